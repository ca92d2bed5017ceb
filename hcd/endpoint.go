package hcd

import (
	"fmt"
	"time"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
)

// EndpointState is the lifecycle position of one endpoint.
type EndpointState int

const (
	// EPDisabled endpoints have no ring; nothing can be submitted.
	EPDisabled EndpointState = iota
	// EPRunning accepts submissions.
	EPRunning
	// EPStopping has a Stop Endpoint command in flight.
	EPStopping
	// EPStopped is quiesced after a stop completion.
	EPStopped
	// EPHalted endpoints rejected a transfer with a halt condition and
	// need a Reset Endpoint command before resuming.
	EPHalted
	// EPHaltPending has the halt-recovery Reset Endpoint command in
	// flight.
	EPHaltPending
	// EPSetDequeuePending has a Set TR Dequeue command in flight; ring
	// repositioning is not yet acknowledged.
	EPSetDequeuePending
)

func (s EndpointState) String() string {
	switch s {
	case EPDisabled:
		return "disabled"
	case EPRunning:
		return "running"
	case EPStopping:
		return "stopping"
	case EPStopped:
		return "stopped"
	case EPHalted:
		return "halted"
	case EPHaltPending:
		return "halt pending"
	case EPSetDequeuePending:
		return "set dequeue pending"
	}
	return fmt.Sprintf("EndpointState(%d)", int(s))
}

// EndpointConfig describes one endpoint to add in a configure call.
type EndpointConfig struct {
	// ID is the endpoint ID (DCI), 2..31 for non-control endpoints:
	// endpoint number * 2, plus 1 for IN.
	ID        uint8
	Type      TransferType
	Direction Direction
	MaxPacket int
}

// endpoint is the engine-side record for one endpoint of one slot.
// All fields are guarded by the controller lock.
type endpoint struct {
	slot uint8
	id   uint8 // endpoint ID (DCI)

	typ       TransferType
	dir       Direction
	maxPacket int

	state EndpointState
	ring  *ring.Ring

	// transfers maps queued descriptors back to their submissions.
	transfers map[*ring.TD]*Transfer

	// cancelled holds descriptors awaiting teardown once the stop
	// command completes.
	cancelled []*ring.TD

	// stoppedTD and stoppedTRB record where the controller stopped
	// mid-descriptor. The descriptor stays on the pending list until
	// a Set TR Dequeue completion repositions the ring past it.
	stoppedTD  *ring.TD
	stoppedTRB ring.Cursor

	// pendingDeq is the reposition target of an in-flight Set TR
	// Dequeue command.
	pendingDeq   ring.Cursor
	pendingCycle uint32

	// skip marks that a missed-service event was seen and intervening
	// isochronous descriptors should be retired as missed.
	skip bool

	// stopCmds counts Stop Endpoint commands without a completion;
	// the watchdog only fires while it is nonzero.
	stopCmds int
	watchdog *time.Timer
}

func (ep *endpoint) contextType() uint8 {
	switch ep.typ {
	case Control:
		return hw.EPTypeControl
	case Isochronous:
		if ep.dir == In {
			return hw.EPTypeIsocIn
		}
		return hw.EPTypeIsocOut
	case Interrupt:
		if ep.dir == In {
			return hw.EPTypeIntIn
		}
		return hw.EPTypeIntOut
	default:
		if ep.dir == In {
			return hw.EPTypeBulkIn
		}
		return hw.EPTypeBulkOut
	}
}

// stopWatchdogTimer cancels the pending watchdog, if any.
func (ep *endpoint) stopWatchdogTimer() {
	if ep.watchdog != nil {
		ep.watchdog.Stop()
		ep.watchdog = nil
	}
}

// slotRec is one enabled device slot: an arena of endpoint records
// addressed by endpoint ID, plus the input context buffer its commands
// point at.
type slotRec struct {
	id  uint8
	eps [hw.MaxEndpoints + 1]*endpoint // indexed by endpoint ID, 0 unused
	ctx hw.Buffer
}

// endpointLocked resolves a slot and endpoint ID with existence
// checks.
func (c *Controller) endpointLocked(slotID, epID uint8) (*slotRec, *endpoint, error) {
	if int(slotID) >= len(c.slots) || c.slots[slotID] == nil {
		return nil, nil, fmt.Errorf("slot %d: %w", slotID, ErrInvalidSlot)
	}
	sl := c.slots[slotID]
	if epID == 0 || int(epID) > hw.MaxEndpoints || sl.eps[epID] == nil {
		return nil, nil, fmt.Errorf("slot %d endpoint %d: %w", slotID, epID, ErrInvalidEndpoint)
	}
	return sl, sl.eps[epID], nil
}
