package hw

// RegisterFile is the engine's view of the controller's operational
// registers. Implementations must tolerate calls from the engine's
// event-drain path, which never blocks.
type RegisterFile interface {
	// RingDoorbell notifies the controller of new work. Slot 0 with
	// target DBTargetCommand rings the command ring; device doorbells
	// use the slot ID and the endpoint's doorbell target.
	RingDoorbell(slot uint8, target uint8)

	// InterrupterPending reports the interrupt-pending bit of the
	// primary interrupter; ClearInterrupterPending acknowledges it.
	InterrupterPending() bool
	ClearInterrupterPending()

	// SetEventDequeue republishes the software event-ring dequeue
	// pointer. clearBusy additionally clears the event-handler-busy
	// bit and must be done exactly once per drain batch.
	SetEventDequeue(addr DMA, clearBusy bool)

	// PortStatus reads a port status/control register (1-based port
	// IDs); ClearPortChange write-1-clears the given change bits.
	PortStatus(port int) uint32
	ClearPortChange(port int, bits uint32)

	// SetCommandRing programs the command ring base address and the
	// initial consumer cycle state.
	SetCommandRing(base DMA, cycle uint32)

	// SetEventRing programs the event ring segment table. The
	// controller starts producing at the first segment with cycle
	// state 1.
	SetEventRing(segs []EventRingSegment)

	// Status reads the controller status register. A read of all ones
	// means the hardware is gone.
	Status() uint32
}

// EventRingSegment is one entry of the event ring segment table.
type EventRingSegment struct {
	Base  DMA
	Slots int
}

// Doorbell targets.
const (
	DBTargetCommand = 0
	// DBTargetEP0 is the control endpoint; endpoint index i rings
	// target i+1.
	DBTargetEP0 = 1
)

// Port status/control register bits, write-1-to-clear in the change
// group.
const (
	PortConnect     = 1 << 0
	PortEnabled     = 1 << 1
	PortOverCurrent = 1 << 3
	PortReset       = 1 << 4
	PortPower       = 1 << 9

	PortConnectChange     = 1 << 17
	PortEnabledChange     = 1 << 18
	PortOverCurrentChange = 1 << 20
	PortResetChange       = 1 << 21
	PortLinkChange        = 1 << 22

	PortChangeMask = PortConnectChange | PortEnabledChange |
		PortOverCurrentChange | PortResetChange | PortLinkChange
)

// Port link state field (bits 8:5).
const (
	plsShift = 5
	plsMask  = 0xf << plsShift

	PLSU0     = 0
	PLSU3     = 3
	PLSResume = 15
)

// PortLinkState extracts the link state field from a port register.
func PortLinkState(status uint32) uint32 { return (status & plsMask) >> plsShift }

// Port speed field (bits 13:10).
const (
	speedShift = 10
	speedMask  = 0xf << speedShift

	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)

// PortSpeed extracts the speed field from a port register.
func PortSpeed(status uint32) uint32 { return (status & speedMask) >> speedShift }

// StatusGone reports whether a status register read indicates removed
// or dead hardware.
func StatusGone(status uint32) bool { return status == ^uint32(0) }
