package hcd

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
	"github.com/Alia5/XHIVE/trb"
)

// Config sizes one controller instance. Zero values take defaults.
type Config struct {
	Log *slog.Logger

	// Slots is the number of device slots the controller manages.
	Slots int

	CommandRingTRBs      int
	EventRingSegments    int
	EventRingTRBs        int
	TransferRingSegments int
	TransferRingTRBs     int

	// WatchdogTimeout bounds how long a Stop Endpoint command may stay
	// unanswered before the controller is declared dead.
	WatchdogTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Slots <= 0 {
		c.Slots = 8
	}
	if c.CommandRingTRBs <= 0 {
		c.CommandRingTRBs = 64
	}
	if c.EventRingSegments <= 0 {
		c.EventRingSegments = 2
	}
	if c.EventRingTRBs <= 0 {
		c.EventRingTRBs = 64
	}
	if c.TransferRingSegments <= 0 {
		c.TransferRingSegments = 2
	}
	if c.TransferRingTRBs <= 0 {
		c.TransferRingTRBs = 32
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 5 * time.Second
	}
}

// Counters are cumulative event statistics, readable via Counters().
type Counters struct {
	Events             uint64
	TransferEvents     uint64
	CommandCompletions uint64
	PortChanges        uint64
	Notifications      uint64
	MFIndexWraps       uint64
	HostEvents         uint64

	StrayEvents    uint64
	OrphanedEvents uint64
	BadEvents      uint64
	Underruns      uint64
	Overruns       uint64
}

// PortChange is delivered for every port status change event, after
// the change bits that raised it have been cleared.
type PortChange struct {
	Port        int
	Status      uint32
	Connected   bool
	Enabled     bool
	OverCurrent bool
	Reset       bool
	Resume      bool
	Speed       uint32
}

// Notification is a device notification event surfaced to the caller.
type Notification struct {
	Slot  uint8
	Type  uint8
	Value uint64
}

// Controller is one host-controller engine instance bound to a
// register file. All ring and endpoint mutation happens under mu; the
// event drain path never blocks while holding it.
type Controller struct {
	log   *slog.Logger
	arena *hw.Arena
	regs  hw.RegisterFile
	cfg   Config

	mu       sync.Mutex
	cmd      *ring.Ring
	evt      *ring.Ring
	cmds     []*command
	slots    []*slotRec
	dying    bool
	counters Counters

	compQ *compQueue
	comps chan *Transfer
	ports chan PortChange
	notes chan Notification
	dead  chan struct{}

	closeOnce sync.Once
	stop      chan struct{}
	drained   chan struct{}
}

// New builds a controller over the given arena and register file,
// allocates its command and event rings, and programs the ring
// locations into the registers.
func New(arena *hw.Arena, regs hw.RegisterFile, cfg Config) (*Controller, error) {
	cfg.withDefaults()
	cmd, err := ring.New(arena, ring.Command, 1, cfg.CommandRingTRBs)
	if err != nil {
		return nil, fmt.Errorf("command ring: %w", err)
	}
	evt, err := ring.New(arena, ring.Event, cfg.EventRingSegments, cfg.EventRingTRBs)
	if err != nil {
		return nil, fmt.Errorf("event ring: %w", err)
	}

	c := &Controller{
		log:     cfg.Log,
		arena:   arena,
		regs:    regs,
		cfg:     cfg,
		cmd:     cmd,
		evt:     evt,
		slots:   make([]*slotRec, cfg.Slots+1),
		compQ:   newCompQueue(),
		comps:   make(chan *Transfer),
		ports:   make(chan PortChange, 16),
		notes:   make(chan Notification, 16),
		dead:    make(chan struct{}),
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
	}

	regs.SetCommandRing(cmd.First().Base(), cmd.CycleState())
	var segs []hw.EventRingSegment
	for s, i := evt.First(), 0; i < cfg.EventRingSegments; s, i = s.Next(), i+1 {
		segs = append(segs, hw.EventRingSegment{Base: s.Base(), Slots: s.Len()})
	}
	regs.SetEventRing(segs)
	regs.SetEventDequeue(evt.Dequeue().DMA(), false)

	go c.deliverCompletions()
	return c, nil
}

// Completions returns the channel completed transfers are delivered
// on, exactly once per transfer, from a dedicated goroutine.
func (c *Controller) Completions() <-chan *Transfer { return c.comps }

// PortChanges returns the port status change stream. Slow consumers
// drop changes rather than stalling the event drain.
func (c *Controller) PortChanges() <-chan PortChange { return c.ports }

// Notifications returns the device notification stream.
func (c *Controller) Notifications() <-chan Notification { return c.notes }

// Dead is closed when the controller gives up: watchdog expiry,
// protocol desync, or hardware gone.
func (c *Controller) Dead() <-chan struct{} { return c.dead }

// Counters returns a snapshot of the event statistics.
func (c *Controller) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Dying reports whether the controller has been marked dead.
func (c *Controller) Dying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dying
}

// Close stops completion delivery. It does not touch the rings; a
// controller being closed mid-traffic simply stops reporting.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, sl := range c.slots {
			if sl == nil {
				continue
			}
			for _, ep := range sl.eps {
				if ep != nil {
					ep.stopWatchdogTimer()
				}
			}
		}
		c.mu.Unlock()
		c.compQ.close()
		close(c.stop)
		<-c.drained
	})
	return nil
}

// Submit validates and queues a transfer. Rejections are synchronous;
// the transfer itself completes asynchronously on Completions(). The
// descriptor plan is computed before the lock is taken, and either the
// whole plan is queued or nothing is.
func (c *Controller) Submit(t *Transfer) error {
	if t.Type == Isochronous && t.FrameID != SIA && t.FrameID&^trb.FrameIDMask != 0 {
		return fmt.Errorf("frame id %d out of range", t.FrameID)
	}

	c.mu.Lock()
	_, ep, err := c.endpointLocked(t.Slot, t.Endpoint)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	maxPacket := ep.maxPacket
	c.mu.Unlock()

	// Plan and bookkeeping allocation happen outside the lock; the
	// drain path shares it and must never wait on an allocator.
	plans, err := buildPlan(t, maxPacket)
	if err != nil {
		return err
	}
	t.tds = make([]*ring.TD, 0, len(plans))
	t.remaining = len(plans)
	t.partial = -1
	t.Status = StatusPending
	t.Actual = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dying {
		return ErrControllerDying
	}
	_, ep, err = c.endpointLocked(t.Slot, t.Endpoint)
	if err != nil {
		return err
	}
	if ep.state != EPRunning {
		return fmt.Errorf("slot %d endpoint %d %s: %w", t.Slot, t.Endpoint, ep.state, ErrEndpointNotRunning)
	}

	if err := ep.ring.Prepare(planTRBs(plans)); err != nil {
		return err
	}

	startCycle := ep.ring.CycleState()
	var first ring.Cursor
	for i, p := range plans {
		td := &ring.TD{}
		for j, x := range p.trbs {
			last := i == len(plans)-1 && j == len(p.trbs)-1
			var at ring.Cursor
			if i == 0 && j == 0 {
				at = ep.ring.QueueDeferred(x, !last)
				first = at
			} else {
				at = ep.ring.Queue(x, !last)
			}
			if j == 0 {
				td.First = at
			}
			td.Last = at
		}
		ep.ring.AppendTD(td)
		ep.transfers[td] = t
		t.tds = append(t.tds, td)
	}
	ep.ring.Publish(first, startCycle)
	c.regs.RingDoorbell(t.Slot, t.Endpoint)
	c.log.Debug("transfer queued",
		"slot", t.Slot, "endpoint", t.Endpoint,
		"type", t.Type.String(), "dir", t.direction().String(),
		"len", t.Len(), "tds", len(plans), "trbs", planTRBs(plans))
	return nil
}

// Cancel asks the controller to stop the endpoint and retire the
// transfer. Cancellation is asynchronous: the transfer completes with
// a cancelled status once the stop and any ring repositioning have
// been acknowledged by the controller.
func (c *Controller) Cancel(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dying {
		return ErrControllerDying
	}
	_, ep, err := c.endpointLocked(t.Slot, t.Endpoint)
	if err != nil {
		return err
	}
	found := false
	for _, td := range t.tds {
		if _, ok := ep.transfers[td]; ok {
			ep.cancelled = append(ep.cancelled, td)
			found = true
		}
	}
	if !found {
		return ErrTransferNotPending
	}
	switch ep.state {
	case EPRunning:
		return c.stopEndpointLocked(ep)
	case EPStopping:
		// One stop command covers every cancellation queued before
		// its completion.
		return nil
	case EPStopped:
		c.processCancellationsLocked(ep)
		return nil
	default:
		// Halted or repositioning endpoints retire the descriptor
		// when their recovery sequence completes.
		return nil
	}
}

// finishTD retires one descriptor. advance walks the ring's consumer
// cursor past it; cancelled and repositioned descriptors leave the
// cursor alone (the ring jump or later completions account for them).
func (c *Controller) finishTD(ep *endpoint, td *ring.TD, status Status, actual int, advance bool) {
	t, ok := ep.transfers[td]
	if !ok {
		return
	}
	delete(ep.transfers, td)
	ep.ring.RemoveTD(td)
	if advance {
		for ep.ring.Dequeue() != td.Last {
			ep.ring.IncDeq()
		}
		ep.ring.IncDeq()
	}

	if t.Type == Isochronous {
		for i, ftd := range t.tds {
			if ftd == td {
				t.Frames[i].Status = status
				t.Frames[i].Actual = actual
				break
			}
		}
		t.Actual += actual
	} else {
		t.Actual = actual
	}

	t.remaining--
	if t.remaining > 0 {
		return
	}
	if t.Type == Isochronous {
		// Frame-level errors live in the frame records; the transfer
		// itself reports the stream outcome.
		agg := StatusSuccess
		for _, f := range t.Frames {
			if f.Status == StatusShutdown || f.Status == StatusCancelled {
				agg = f.Status
				break
			}
		}
		t.Status = agg
	} else {
		t.Status = status
	}
	c.compQ.push(t)
}

// deliverCompletions is the dedicated drain for the completion queue;
// it is the only sender on the public channel.
func (c *Controller) deliverCompletions() {
	defer close(c.drained)
	defer close(c.comps)
	for {
		t, ok := c.compQ.pop()
		if !ok {
			return
		}
		select {
		case c.comps <- t:
		case <-c.stop:
			return
		}
	}
}

// die marks the controller dead: every pending descriptor on every
// endpoint is force-completed with a shutdown status exactly once, all
// watchdogs stop, command waiters fail, and no ring operation happens
// afterwards.
func (c *Controller) dieLocked(reason string) {
	if c.dying {
		return
	}
	c.dying = true
	c.log.Error("controller dying", "reason", reason)

	for _, sl := range c.slots {
		if sl == nil {
			continue
		}
		for _, ep := range sl.eps {
			if ep == nil {
				continue
			}
			ep.stopWatchdogTimer()
			ep.stopCmds = 0
			ep.state = EPDisabled
			for td := range ep.transfers {
				c.finishTD(ep, td, StatusShutdown, 0, false)
			}
			ep.cancelled = nil
			ep.stoppedTD = nil
		}
	}
	for _, cmd := range c.cmds {
		cmd.fail(ErrControllerDying)
	}
	c.cmds = nil
	close(c.dead)
}

// compQueue is an unbounded FIFO the event drain pushes to without
// blocking.
type compQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Transfer
	closed bool
}

func newCompQueue() *compQueue {
	q := &compQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *compQueue) push(t *Transfer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, t)
	q.cond.Signal()
}

func (q *compQueue) pop() (*Transfer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *compQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
