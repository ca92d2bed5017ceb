package hcd

import (
	"fmt"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// trbMaxBuff caps the buffer span of a single TRB: a TRB must not
// cross a 64KB boundary of the buffer address.
const trbMaxBuff = 1 << 16

// run is one boundary-respecting piece of payload.
type run struct {
	addr hw.DMA
	n    int
}

// boundaryRuns flattens scatter-gather fragments into runs, splitting
// at every 64KB boundary of the bus address.
func boundaryRuns(bufs []hw.Buffer) []run {
	var runs []run
	for _, b := range bufs {
		addr := b.Addr
		n := len(b.Data)
		for n > 0 {
			take := trbMaxBuff - int(addr&(trbMaxBuff-1))
			if take > n {
				take = n
			}
			runs = append(runs, run{addr, take})
			addr += hw.DMA(take)
			n -= take
		}
	}
	return runs
}

// sliceBuffers cuts [off, off+n) out of the flattened fragment space.
func sliceBuffers(bufs []hw.Buffer, off, n int) ([]hw.Buffer, error) {
	var out []hw.Buffer
	for _, b := range bufs {
		if n == 0 {
			break
		}
		if off >= len(b.Data) {
			off -= len(b.Data)
			continue
		}
		take := len(b.Data) - off
		if take > n {
			take = n
		}
		out = append(out, hw.Buffer{Addr: b.Addr + hw.DMA(off), Data: b.Data[off : off+take]})
		off = 0
		n -= take
	}
	if n != 0 {
		return nil, fmt.Errorf("frame range exceeds buffer space by %d bytes", n)
	}
	return out, nil
}

// tdRemainder computes the TD size field for the TRB ending at
// sent+trbLen: the number of whole max-packets still to transfer,
// saturated at the 5-bit field maximum, and zero on the final TRB.
func tdRemainder(totalPackets, sent, trbLen, totalLen, maxPacket int) uint32 {
	if sent+trbLen >= totalLen {
		return 0
	}
	done := (sent + trbLen) / maxPacket
	rem := totalPackets - done
	if rem > trb.RemainderMax {
		rem = trb.RemainderMax
	}
	return uint32(rem)
}

// tdPlan is the TRB sequence of one descriptor, computed before any
// ring mutation so a failed submission leaves nothing queued.
type tdPlan struct {
	trbs  []trb.TRB
	frame int // frame index for isochronous descriptors, else -1
}

// buildPlan assembles the descriptor plan for a transfer. It performs
// no ring access and no allocation other than the plan itself, so it
// runs before the controller lock is taken.
func buildPlan(t *Transfer, maxPacket int) ([]tdPlan, error) {
	switch t.Type {
	case Control:
		td, err := buildControlTD(t)
		if err != nil {
			return nil, err
		}
		return []tdPlan{td}, nil
	case Isochronous:
		return buildIsocTDs(t, maxPacket)
	default:
		return []tdPlan{buildDataTD(t, maxPacket)}, nil
	}
}

// buildDataTD emits the bulk/interrupt TRB sequence: boundary-split
// Normal TRBs chained into one descriptor, interrupt-on-short-packet
// for IN, interrupt-on-completion on the last TRB, and an appended
// zero-length packet when requested and the length divides evenly.
func buildDataTD(t *Transfer, maxPacket int) tdPlan {
	total := t.Len()
	runs := boundaryRuns(t.Buffers)
	if len(runs) == 0 {
		runs = []run{{0, 0}}
	}
	totalPackets := (total + maxPacket - 1) / maxPacket
	zlp := t.ZeroPacket && total > 0 && total%maxPacket == 0

	trbs := make([]trb.TRB, 0, len(runs)+1)
	sent := 0
	for i, r := range runs {
		var x trb.TRB
		x.SetPointer(uint64(r.addr))
		x.Status = trb.LengthStatus(uint32(r.n),
			tdRemainder(totalPackets, sent, r.n, total, maxPacket))
		ctl := uint32(0)
		if t.direction() == In {
			ctl |= trb.ISP
		}
		if i < len(runs)-1 || zlp {
			ctl |= trb.Chain
		} else {
			ctl |= trb.IOC
		}
		x.Control = trb.TypeControl(trb.TypeNormal, ctl)
		trbs = append(trbs, x)
		sent += r.n
	}
	if zlp {
		var x trb.TRB
		x.Status = trb.LengthStatus(0, 0)
		x.Control = trb.TypeControl(trb.TypeNormal, trb.IOC)
		trbs = append(trbs, x)
	}
	return tdPlan{trbs: trbs, frame: -1}
}

// buildControlTD emits Setup, optional Data, and Status TRBs. The
// setup packet travels immediate in the Setup TRB; the status stage
// runs opposite to the data stage, or IN when there is no data.
func buildControlTD(t *Transfer) (tdPlan, error) {
	if t.Setup == nil {
		return tdPlan{}, fmt.Errorf("control transfer without setup packet")
	}
	total := t.Len()
	if int(t.Setup.Length) != total {
		return tdPlan{}, fmt.Errorf("setup length %d does not match buffer length %d",
			t.Setup.Length, total)
	}
	runs := boundaryRuns(t.Buffers)
	if len(runs) > 1 {
		return tdPlan{}, fmt.Errorf("control data stage crosses a 64KB boundary")
	}
	in := t.Setup.DirIn()

	var setup trb.TRB
	setup.Lo, setup.Hi = t.Setup.Pack()
	setup.Status = trb.LengthStatus(8, 0)
	trt := uint32(trb.TRTNoData)
	if total > 0 {
		if in {
			trt = trb.TRTInData
		} else {
			trt = trb.TRTOutData
		}
	}
	setup.Control = trb.TypeControl(trb.TypeSetup, trb.IDT|trt)
	trbs := []trb.TRB{setup}

	if total > 0 {
		var data trb.TRB
		data.SetPointer(uint64(runs[0].addr))
		data.Status = trb.LengthStatus(uint32(total), 0)
		ctl := uint32(trb.ISP)
		if in {
			ctl |= trb.DirIn
		}
		data.Control = trb.TypeControl(trb.TypeData, ctl)
		trbs = append(trbs, data)
	}

	var status trb.TRB
	ctl := uint32(trb.IOC)
	if !in || total == 0 {
		ctl |= trb.DirIn
	}
	status.Control = trb.TypeControl(trb.TypeStatus, ctl)
	return tdPlan{trbs: append(trbs, status), frame: -1}, nil
}

// buildIsocTDs emits one descriptor per service interval. The first
// TRB of each descriptor carries the Isoch type; only the first
// descriptor's first TRB carries the start-frame field or the
// start-as-soon-as-possible flag.
func buildIsocTDs(t *Transfer, maxPacket int) ([]tdPlan, error) {
	if len(t.Frames) == 0 {
		return nil, fmt.Errorf("isochronous transfer without frames")
	}
	plans := make([]tdPlan, 0, len(t.Frames))
	for i := range t.Frames {
		f := &t.Frames[i]
		bufs, err := sliceBuffers(t.Buffers, f.Offset, f.Length)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		runs := boundaryRuns(bufs)
		if len(runs) == 0 {
			runs = []run{{0, 0}}
		}
		totalPackets := (f.Length + maxPacket - 1) / maxPacket

		trbs := make([]trb.TRB, 0, len(runs))
		sent := 0
		for j, r := range runs {
			var x trb.TRB
			x.SetPointer(uint64(r.addr))
			x.Status = trb.LengthStatus(uint32(r.n),
				tdRemainder(totalPackets, sent, r.n, f.Length, maxPacket))
			ctl := uint32(0)
			if t.Direction == In {
				ctl |= trb.ISP
			}
			typ := trb.TypeNormal
			if j == 0 {
				typ = trb.TypeIsoc
				if i == 0 {
					if t.FrameID == SIA {
						ctl |= trb.SIA
					} else {
						ctl |= uint32(t.FrameID&trb.FrameIDMask) << trb.FrameIDShift
					}
				} else {
					ctl |= trb.SIA
				}
			}
			if j < len(runs)-1 {
				ctl |= trb.Chain
			} else {
				ctl |= trb.IOC
			}
			x.Control = trb.TypeControl(typ, ctl)
			trbs = append(trbs, x)
			sent += r.n
		}
		plans = append(plans, tdPlan{trbs: trbs, frame: i})
	}
	return plans, nil
}

func planTRBs(plans []tdPlan) int {
	n := 0
	for _, p := range plans {
		n += len(p.trbs)
	}
	return n
}
