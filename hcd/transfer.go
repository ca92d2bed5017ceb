package hcd

import (
	"fmt"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/ring"
	"github.com/Alia5/XHIVE/trb"
)

// TransferType selects the endpoint protocol a transfer uses.
type TransferType int

const (
	Control TransferType = iota
	Bulk
	Interrupt
	Isochronous
)

func (t TransferType) String() string {
	switch t {
	case Control:
		return "control"
	case Bulk:
		return "bulk"
	case Interrupt:
		return "interrupt"
	case Isochronous:
		return "isochronous"
	}
	return fmt.Sprintf("TransferType(%d)", int(t))
}

// Direction of data flow relative to the host.
type Direction int

const (
	Out Direction = iota
	In
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Status is the client-visible outcome of a transfer or of one
// isochronous frame.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusStalled
	StatusTransactionError
	StatusSplitError
	StatusBabble
	StatusBufferOverrun
	StatusMissedService
	StatusCancelled
	StatusShutdown
	StatusProtocolError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusStalled:
		return "stalled"
	case StatusTransactionError:
		return "transaction error"
	case StatusSplitError:
		return "split error"
	case StatusBabble:
		return "babble"
	case StatusBufferOverrun:
		return "buffer overrun"
	case StatusMissedService:
		return "missed service interval"
	case StatusCancelled:
		return "cancelled"
	case StatusShutdown:
		return "controller shutdown"
	case StatusProtocolError:
		return "protocol error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Frame is one isochronous service interval of a transfer: an offset
// and length into the transfer's flattened buffer space, completed
// individually with its own status and actual length.
type Frame struct {
	Offset int
	Length int

	Actual int
	Status Status
}

// SIA pins no start frame; the controller starts the isochronous
// stream as soon as possible.
const SIA = -1

// Transfer is one client request against an endpoint: zero or more
// mapped buffer fragments, direction, and per-type parameters. The
// engine fills Status, Actual and per-frame results and delivers the
// transfer once on the controller's completion channel.
type Transfer struct {
	Slot     uint8
	Endpoint uint8 // endpoint ID (DCI), 1..31
	Type     TransferType

	// Direction applies to bulk, interrupt and isochronous transfers;
	// control transfers take theirs from the setup packet.
	Direction Direction

	// Buffers are the mapped scatter-gather fragments, flattened in
	// order. May be empty for zero-length transfers.
	Buffers []hw.Buffer

	// Setup is the control setup stage; required iff Type is Control.
	Setup *trb.SetupPacket

	// Frames partition the buffers per service interval; required iff
	// Type is Isochronous.
	Frames []Frame

	// FrameID pins the isochronous start frame, or SIA.
	FrameID int

	// ZeroPacket appends a zero-length packet when the transfer length
	// is an exact multiple of the endpoint's max packet size.
	ZeroPacket bool

	Status Status
	Actual int

	// tds are the descriptors queued for this transfer, one for bulk,
	// interrupt and control, one per frame for isochronous.
	tds []*ring.TD
	// remaining counts descriptors not yet retired.
	remaining int
	// partial carries a data-stage actual length until the status
	// stage of a control transfer completes, -1 when unset.
	partial int
}

// Len returns the total transfer length across all fragments.
func (t *Transfer) Len() int {
	n := 0
	for _, b := range t.Buffers {
		n += len(b.Data)
	}
	return n
}

// direction derives the data direction. Control transfers take it from
// the setup packet.
func (t *Transfer) direction() Direction {
	if t.Type == Control {
		if t.Setup != nil && t.Setup.DirIn() {
			return In
		}
		return Out
	}
	return t.Direction
}
