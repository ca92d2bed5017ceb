// Package trb defines the transfer request block layout shared by the
// transfer, command and event rings: a fixed four-word record whose field
// meaning depends on the TRB type carried in the control word.
package trb

import "fmt"

// Type identifies a TRB variant (control word bits 15:10).
type Type uint32

const (
	TypeReserved Type = iota
	TypeNormal
	TypeSetup
	TypeData
	TypeStatus
	TypeIsoc
	TypeLink
	TypeEventData
	TypeNoOp

	// Command TRBs
	TypeEnableSlot
	TypeDisableSlot
	TypeAddressDevice
	TypeConfigEndpoint
	TypeEvaluateContext
	TypeResetEndpoint
	TypeStopEndpoint
	TypeSetTRDequeue
	TypeResetDevice
	TypeForceEvent
	TypeNegotiateBW
	TypeSetLatencyTolerance
	TypeGetPortBandwidth
	TypeForceHeader
	TypeCmdNoOp

	// Event TRBs
	TypeTransferEvent       Type = 32
	TypeCommandCompletion   Type = 33
	TypePortStatusChange    Type = 34
	TypeBandwidthRequest    Type = 35
	TypeDoorbellEvent       Type = 36
	TypeHostController      Type = 37
	TypeDeviceNotification  Type = 38
	TypeMFIndexWrap         Type = 39
)

// Control word bits.
const (
	Cycle       = 1 << 0 // slot ownership
	ToggleCycle = 1 << 1 // link TRBs only: flip consumer cycle at this link
	ISP         = 1 << 2 // interrupt on short packet
	Chain       = 1 << 4 // TRB is part of a multi-TRB TD
	IOC         = 1 << 5 // interrupt on completion
	IDT         = 1 << 6 // immediate data in the pointer words
	DirIn       = 1 << 16
	SIA         = 1 << 31 // isoc: start as soon as possible

	typeShift = 10
	typeMask  = 0x3f << typeShift
)

// Setup TRB transfer-type field (control word bits 17:16).
const (
	TRTNoData  = 0 << 16
	TRTOutData = 2 << 16
	TRTInData  = 3 << 16
)

// Status word layout: transfer length in bits 16:0, TD remainder ("TD
// size") in bits 21:17, interrupter target in bits 31:22. Event TRBs
// reuse the word as residual length (23:0) plus completion code (31:24).
const (
	lenMask        = 0x1ffff
	remainderShift = 17
	// RemainderMax is the saturation point of the 5-bit TD size field.
	RemainderMax = 31

	evtLenMask    = 0xffffff
	compCodeShift = 24
)

// Isoc frame-ID field (control word bits 30:20).
const (
	FrameIDShift = 20
	FrameIDMask  = 0x7ff
)

// Completion codes carried in event TRBs.
const (
	CompInvalid          = 0
	CompSuccess          = 1
	CompDataBufferError  = 2
	CompBabble           = 3
	CompTransactionError = 4
	CompTRBError         = 5
	CompStall            = 6
	CompResourceError    = 7
	CompBandwidthError   = 8
	CompNoSlots          = 9
	CompSlotNotEnabled   = 11
	CompEPNotEnabled     = 12
	CompShortPacket      = 13
	CompRingUnderrun     = 14
	CompRingOverrun      = 15
	CompParameterError   = 17
	CompBandwidthOverrun = 18
	CompContextState     = 19
	CompEventRingFull    = 21
	CompMissedService    = 23
	CompCommandStopped   = 24
	CompCommandAborted   = 25
	CompStopped          = 26
	CompStoppedInvalid   = 27
	CompSplitError       = 36

	// Codes 224..255 are vendor-defined informational codes and are
	// treated as success by the dispatcher.
	compVendorInfoLo = 224
)

// TRB is one four-word ring slot. Lo/Hi hold a buffer pointer or
// immediate data, Status and Control the remaining two words.
type TRB struct {
	Lo      uint32
	Hi      uint32
	Status  uint32
	Control uint32
}

// Type extracts the TRB variant from the control word.
func (t *TRB) Type() Type {
	return Type((t.Control & typeMask) >> typeShift)
}

// SetType replaces the type bits, preserving the rest of the control word.
func (t *TRB) SetType(typ Type) {
	t.Control = (t.Control &^ typeMask) | (uint32(typ) << typeShift)
}

// CycleBit reports the slot ownership bit.
func (t *TRB) CycleBit() uint32 { return t.Control & Cycle }

// Pointer returns the 64-bit buffer pointer split across Lo/Hi.
func (t *TRB) Pointer() uint64 { return uint64(t.Hi)<<32 | uint64(t.Lo) }

// SetPointer stores a 64-bit buffer pointer into Lo/Hi.
func (t *TRB) SetPointer(p uint64) {
	t.Lo = uint32(p)
	t.Hi = uint32(p >> 32)
}

// TransferLen returns the transfer length field of a transfer TRB.
func (t *TRB) TransferLen() uint32 { return t.Status & lenMask }

// EventLen returns the residual transfer length of a transfer event.
func (t *TRB) EventLen() uint32 { return t.Status & evtLenMask }

// CompletionCode returns the completion code of an event TRB.
func (t *TRB) CompletionCode() uint32 { return t.Status >> compCodeShift }

// Remainder extracts the TD size field.
func (t *TRB) Remainder() uint32 { return (t.Status >> remainderShift) & RemainderMax }

// Slot and endpoint addressing fields of command and event TRB control
// words.
const (
	slotShift = 24
	epIDShift = 16
	epIDMask  = 0x1f << epIDShift
)

// SlotID returns the slot field of a command or event TRB.
func (t *TRB) SlotID() uint8 { return uint8(t.Control >> slotShift) }

// EndpointID returns the endpoint field of a command or event TRB.
// This is the xHCI endpoint ID (DCI), 1..31.
func (t *TRB) EndpointID() uint8 { return uint8((t.Control & epIDMask) >> epIDShift) }

// SlotControl builds the slot field of a control word.
func SlotControl(slot uint8) uint32 { return uint32(slot) << slotShift }

// EndpointControl builds the endpoint field of a control word from an
// endpoint ID.
func EndpointControl(epID uint8) uint32 { return uint32(epID) << epIDShift }

// PortID returns the port number of a port status change event, which
// the controller reports in the top byte of the first pointer word.
func (t *TRB) PortID() int { return int(t.Lo >> 24) }

// NotificationType returns the notification-type field of a device
// notification event.
func (t *TRB) NotificationType() uint8 { return uint8(t.Lo>>4) & 0xf }

// NotificationValue returns the notification value of a device
// notification event.
func (t *TRB) NotificationValue() uint64 { return t.Pointer() >> 8 }

// TypeControl builds a control word for the given type and flags.
func TypeControl(typ Type, flags uint32) uint32 {
	return uint32(typ)<<typeShift | flags
}

// LengthStatus builds a status word from a transfer length and a TD
// remainder already clamped to RemainderMax.
func LengthStatus(length, remainder uint32) uint32 {
	return (length & lenMask) | (remainder&RemainderMax)<<remainderShift
}

// EventStatus builds an event status word from a residual length and a
// completion code.
func EventStatus(residual, code uint32) uint32 {
	return (residual & evtLenMask) | code<<compCodeShift
}

// IsVendorInfoCode reports whether a completion code falls in the
// vendor-defined informational range (not an error).
func IsVendorInfoCode(code uint32) bool {
	return code >= compVendorInfoLo && code <= 255
}

// SetupPacket is the 8-byte USB control setup stage. It is packed
// immediate into the two pointer words of a Setup TRB.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

const setupDirIn = 0x80

// DirIn reports whether the data stage moves device-to-host.
func (s SetupPacket) DirIn() bool { return s.RequestType&setupDirIn != 0 }

// Pack returns the setup packet as the two immediate words of a Setup
// TRB: request fields in the low word, index and length in the high.
func (s SetupPacket) Pack() (lo, hi uint32) {
	lo = uint32(s.RequestType) | uint32(s.Request)<<8 | uint32(s.Value)<<16
	hi = uint32(s.Index) | uint32(s.Length)<<16
	return lo, hi
}

// TypeName returns a short human-readable TRB type name for logs.
func TypeName(typ Type) string {
	switch typ {
	case TypeNormal:
		return "Normal"
	case TypeSetup:
		return "Setup"
	case TypeData:
		return "Data"
	case TypeStatus:
		return "Status"
	case TypeIsoc:
		return "Isoc"
	case TypeLink:
		return "Link"
	case TypeNoOp:
		return "No-op"
	case TypeEnableSlot:
		return "Enable Slot"
	case TypeDisableSlot:
		return "Disable Slot"
	case TypeAddressDevice:
		return "Address Device"
	case TypeConfigEndpoint:
		return "Configure Endpoint"
	case TypeEvaluateContext:
		return "Evaluate Context"
	case TypeResetEndpoint:
		return "Reset Endpoint"
	case TypeStopEndpoint:
		return "Stop Endpoint"
	case TypeSetTRDequeue:
		return "Set TR Dequeue"
	case TypeResetDevice:
		return "Reset Device"
	case TypeCmdNoOp:
		return "Command No-op"
	case TypeTransferEvent:
		return "Transfer Event"
	case TypeCommandCompletion:
		return "Command Completion"
	case TypePortStatusChange:
		return "Port Status Change"
	case TypeDeviceNotification:
		return "Device Notification"
	case TypeMFIndexWrap:
		return "MFINDEX Wrap"
	default:
		return fmt.Sprintf("Type(%d)", typ)
	}
}
