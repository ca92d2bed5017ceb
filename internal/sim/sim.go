// Package sim is a software controller: it implements hw.RegisterFile,
// consumes the command and transfer rings exactly per the cycle-bit
// protocol, executes commands, and posts completion events onto the
// event ring. It stands in for real hardware in tests and in the soak
// harness. Step is synchronous and deterministic: nothing happens
// between doorbell and Step, which makes protocol states observable.
package sim

import (
	"log/slog"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// Sim is one simulated controller. All methods are safe for concurrent
// use; Step serializes against the register file.
type Sim struct {
	log   *slog.Logger
	arena *hw.Arena

	mu sync.Mutex

	cmdDeq   hw.DMA
	cmdCycle uint32

	evtSegs  []hw.EventRingSegment
	evtSeg   int
	evtIdx   int
	evtCycle uint32
	swDeq    hw.DMA

	intrPending bool
	gone        bool

	ports []uint32
	slots map[uint8]*simSlot

	doorbells []doorbell

	corruptNextCmdEvent bool
	lostEvents          int
	eventsPosted        int
}

type doorbell struct {
	slot   uint8
	target uint8
}

type simSlot struct {
	id  uint8
	eps map[uint8]*simEP
}

// simEP is the controller-side view of one endpoint: its consumer
// cursor over the transfer ring plus a trivial device model (OUT sinks
// into received, IN drains queued).
type simEP struct {
	typ       uint8
	maxPacket int

	deq   hw.DMA
	cycle uint32

	halted   bool
	received []byte
	queued   []byte

	// Control transfers carry their direction in the setup packet; it
	// governs the data and status stages that follow as separate
	// descriptors.
	ctrlIn bool

	stallNext  bool
	errorNext  uint32
	setupCount int
}

// New builds a simulator over the shared arena with the given number
// of ports.
func New(arena *hw.Arena, ports int, log *slog.Logger) *Sim {
	if log == nil {
		log = slog.Default()
	}
	return &Sim{
		log:   log,
		arena: arena,
		ports: make([]uint32, ports+1),
		slots: make(map[uint8]*simSlot),
	}
}

// RegisterFile implementation.

func (s *Sim) RingDoorbell(slot, target uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doorbells = append(s.doorbells, doorbell{slot, target})
}

func (s *Sim) InterrupterPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intrPending
}

func (s *Sim) ClearInterrupterPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intrPending = false
}

func (s *Sim) SetEventDequeue(addr hw.DMA, clearBusy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swDeq = addr
}

func (s *Sim) PortStatus(port int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return ^uint32(0)
	}
	if port <= 0 || port >= len(s.ports) {
		return 0
	}
	return s.ports[port]
}

func (s *Sim) ClearPortChange(port int, bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port <= 0 || port >= len(s.ports) {
		return
	}
	s.ports[port] &^= bits & hw.PortChangeMask
}

func (s *Sim) SetCommandRing(base hw.DMA, cycle uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdDeq = base
	s.cmdCycle = cycle
}

func (s *Sim) SetEventRing(segs []hw.EventRingSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evtSegs = segs
	s.evtSeg = 0
	s.evtIdx = 0
	s.evtCycle = 1
}

func (s *Sim) Status() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return ^uint32(0)
	}
	return 0
}

// Test and harness knobs.

// SetGone makes every register read return all ones, as removed
// hardware does.
func (s *Sim) SetGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone = true
}

// CorruptNextCommandEvent makes the next command completion event
// carry a wrong TRB pointer, provoking a desync on the software side.
func (s *Sim) CorruptNextCommandEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptNextCmdEvent = true
}

// StallNext makes the endpoint's next descriptor fail with a stall.
func (s *Sim) StallNext(slot, epID uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep := s.endpoint(slot, epID); ep != nil {
		ep.stallNext = true
	}
}

// FailNext makes the endpoint's next descriptor fail with the given
// completion code.
func (s *Sim) FailNext(slot, epID uint8, code uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep := s.endpoint(slot, epID); ep != nil {
		ep.errorNext = code
	}
}

// QueueIN provides the data an IN endpoint returns.
func (s *Sim) QueueIN(slot, epID uint8, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep := s.endpoint(slot, epID); ep != nil {
		ep.queued = append(ep.queued, data...)
	}
}

// Received returns a copy of everything an OUT endpoint has consumed.
func (s *Sim) Received(slot, epID uint8) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := s.endpoint(slot, epID)
	if ep == nil {
		return nil
	}
	out := make([]byte, len(ep.received))
	copy(out, ep.received)
	return out
}

// DigestReceived returns the BLAKE2b-256 digest of an OUT endpoint's
// consumed payload, for loopback verification.
func (s *Sim) DigestReceived(slot, epID uint8) [blake2b.Size256]byte {
	return blake2b.Sum256(s.Received(slot, epID))
}

// Connect marks a port connected at the given speed and raises a port
// status change event.
func (s *Sim) Connect(port int, speed uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port <= 0 || port >= len(s.ports) {
		return
	}
	s.ports[port] = hw.PortConnect | hw.PortConnectChange | hw.PortPower | speed<<10
	s.postPortEvent(port)
}

// Disconnect clears a port and raises a change event.
func (s *Sim) Disconnect(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port <= 0 || port >= len(s.ports) {
		return
	}
	s.ports[port] = hw.PortConnectChange | hw.PortPower
	s.postPortEvent(port)
}

// PostDeviceNotification raises a device notification event.
func (s *Sim) PostDeviceNotification(slot uint8, typ uint8, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev trb.TRB
	ev.SetPointer(value<<8 | uint64(typ)<<4)
	ev.Control |= trb.SlotControl(slot)
	ev.SetType(trb.TypeDeviceNotification)
	s.postEvent(ev)
}

// PostMFIndexWrap raises an MFINDEX wrap event.
func (s *Sim) PostMFIndexWrap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev trb.TRB
	ev.SetType(trb.TypeMFIndexWrap)
	s.postEvent(ev)
}

// PostTransferEvent injects a raw transfer event, for protocol-error
// tests.
func (s *Sim) PostTransferEvent(slot, epID uint8, dma hw.DMA, code uint32, residual uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postTransferEvent(slot, epID, dma, code, residual)
}

// LostEvents counts events dropped because the event ring was full.
func (s *Sim) LostEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostEvents
}

func (s *Sim) endpoint(slot, epID uint8) *simEP {
	sl := s.slots[slot]
	if sl == nil {
		return nil
	}
	return sl.eps[epID]
}

// Step processes every doorbell rung since the last step and returns
// the number of events posted.
func (s *Sim) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		s.doorbells = nil
		return 0
	}
	before := s.eventsPosted
	for len(s.doorbells) > 0 {
		// Commands preempt transfer work, as they do on real
		// controllers; order is stable otherwise.
		pick := 0
		for i, db := range s.doorbells {
			if db.slot == 0 && db.target == hw.DBTargetCommand {
				pick = i
				break
			}
		}
		db := s.doorbells[pick]
		s.doorbells = append(s.doorbells[:pick], s.doorbells[pick+1:]...)
		if db.slot == 0 && db.target == hw.DBTargetCommand {
			s.runCommands()
		} else {
			s.runTransferRing(db.slot, db.target)
		}
	}
	return s.eventsPosted - before
}
