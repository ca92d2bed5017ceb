package hw

import (
	"encoding/binary"
	"fmt"
)

// Endpoint types carried in endpoint contexts. The direction is part
// of the type.
const (
	EPTypeIsocOut = 1
	EPTypeBulkOut = 2
	EPTypeIntOut  = 3
	EPTypeControl = 4
	EPTypeIsocIn  = 5
	EPTypeBulkIn  = 6
	EPTypeIntIn   = 7
)

const (
	epContextSize = 16
	// MaxEndpoints is the number of endpoint contexts per device: 31
	// endpoint IDs, ID 1 being the default control endpoint.
	MaxEndpoints = 31
	// InputContextSize is the encoded size of an input context: drop
	// and add flag words followed by one record per endpoint ID.
	InputContextSize = 8 + MaxEndpoints*epContextSize
)

// EndpointContext describes one endpoint to the controller: its type,
// max packet size and the transfer ring position to consume from.
type EndpointContext struct {
	Type      uint8
	MaxPacket uint16
	Dequeue   DMA
	Cycle     uint32
}

// InputContext is the in-memory command argument for Address Device,
// Configure Endpoint and Evaluate Context: flag words selecting which
// endpoint contexts to drop and add, and the contexts themselves,
// indexed by endpoint ID - 1. Bit i of a flag word refers to endpoint
// ID i.
type InputContext struct {
	DropFlags uint32
	AddFlags  uint32
	Endpoints [MaxEndpoints]EndpointContext
}

// Encode writes the context into b, which must hold InputContextSize
// bytes.
func (ic *InputContext) Encode(b []byte) {
	_ = b[InputContextSize-1]
	binary.LittleEndian.PutUint32(b[0:], ic.DropFlags)
	binary.LittleEndian.PutUint32(b[4:], ic.AddFlags)
	for i, ep := range ic.Endpoints {
		off := 8 + i*epContextSize
		binary.LittleEndian.PutUint32(b[off:], uint32(ep.Type)|uint32(ep.MaxPacket)<<16)
		binary.LittleEndian.PutUint64(b[off+4:], uint64(ep.Dequeue)|uint64(ep.Cycle&1))
	}
}

// DecodeInputContext parses an encoded input context.
func DecodeInputContext(b []byte) (*InputContext, error) {
	if len(b) < InputContextSize {
		return nil, fmt.Errorf("input context: %d bytes, want %d", len(b), InputContextSize)
	}
	ic := &InputContext{
		DropFlags: binary.LittleEndian.Uint32(b[0:]),
		AddFlags:  binary.LittleEndian.Uint32(b[4:]),
	}
	for i := range ic.Endpoints {
		off := 8 + i*epContextSize
		info := binary.LittleEndian.Uint32(b[off:])
		deq := binary.LittleEndian.Uint64(b[off+4:])
		ic.Endpoints[i] = EndpointContext{
			Type:      uint8(info),
			MaxPacket: uint16(info >> 16),
			Dequeue:   DMA(deq &^ 1),
			Cycle:     uint32(deq & 1),
		}
	}
	return ic, nil
}
