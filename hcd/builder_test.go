package hcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

// placed maps a buffer at an explicit bus address so splits land on
// known boundaries.
func placed(t *testing.T, a *hw.Arena, addr hw.DMA, n int) hw.Buffer {
	t.Helper()
	buf, err := a.Place(make([]byte, n), addr)
	require.NoError(t, err)
	return buf
}

func TestBoundaryRuns(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })

	tests := []struct {
		name string
		addr hw.DMA
		len  int
		want []int
	}{
		{"aligned small", 0x200000, 4096, []int{4096}},
		{"aligned exactly 64k", 0x210000, 65536, []int{65536}},
		{"aligned just over", 0x220000, 65537, []int{65536, 1}},
		{"misaligned", 0x23fff0, 32, []int{16, 16}},
		{"tail of region", 0x24fffc, 4, []int{4}},
		{"large", 0x250000, 200000, []int{65536, 65536, 65536, 3392}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := placed(t, a, tc.addr, tc.len)
			runs := boundaryRuns([]hw.Buffer{buf})

			var lens []int
			total := 0
			for _, r := range runs {
				// No run crosses a 64KB-aligned region.
				first := r.addr &^ (trbMaxBuff - 1)
				last := (r.addr + hw.DMA(r.n) - 1) &^ (trbMaxBuff - 1)
				assert.Equal(t, first, last, "run %#x+%d crosses a boundary", r.addr, r.n)
				lens = append(lens, r.n)
				total += r.n
			}
			assert.Equal(t, tc.want, lens)
			assert.Equal(t, tc.len, total, "lengths must reassemble the original")
		})
	}
}

func TestBoundaryRunsScatterGather(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })

	frags := []hw.Buffer{
		placed(t, a, 0x300000, 1000),
		placed(t, a, 0x31fff8, 16),
		placed(t, a, 0x330000, 70000),
	}
	runs := boundaryRuns(frags)
	require.Len(t, runs, 5)
	total := 0
	for _, r := range runs {
		total += r.n
	}
	assert.Equal(t, 1000+16+70000, total)
}

func TestBulkSplit70000(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })

	xfer := &Transfer{
		Type:      Bulk,
		Direction: Out,
		Buffers:   []hw.Buffer{placed(t, a, 0x400000, 70000)},
	}
	td := buildDataTD(xfer, 512)

	require.Len(t, td.trbs, 2, "64KB cap splits 70000 bytes into two TRBs")
	assert.Equal(t, uint32(65536), td.trbs[0].TransferLen())
	assert.Equal(t, uint32(70000-65536), td.trbs[1].TransferLen())
	assert.NotZero(t, td.trbs[0].Control&trb.Chain)
	assert.Zero(t, td.trbs[1].Control&trb.Chain)
	assert.NotZero(t, td.trbs[1].Control&trb.IOC)

	// 137 packets total, 128 consumed by the first TRB.
	assert.Equal(t, uint32(9), td.trbs[0].Remainder())
	assert.Equal(t, uint32(0), td.trbs[1].Remainder())
}

func TestRemainderLaw(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })

	tests := []struct {
		name string
		len  int
		maxp int
	}{
		{"single packet", 512, 512},
		{"two trbs", 70000, 512},
		{"many packets saturate", 3 * 65536, 8},
		{"odd tail", 65536 + 100, 1024},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			xfer := &Transfer{
				Type:      Bulk,
				Direction: Out,
				Buffers:   []hw.Buffer{placed(t, a, hw.DMA(0x500000+i*0x400000), tc.len)},
			}
			td := buildDataTD(xfer, tc.maxp)

			prev := uint32(trb.RemainderMax)
			for i, x := range td.trbs {
				rem := x.Remainder()
				assert.LessOrEqual(t, rem, prev, "trb %d: remainder must not increase", i)
				assert.LessOrEqual(t, rem, uint32(trb.RemainderMax))
				if i == len(td.trbs)-1 {
					assert.Zero(t, rem, "final trb remainder must be zero")
				}
				prev = rem
			}
		})
	}
}

func TestZeroLengthBulk(t *testing.T) {
	xfer := &Transfer{Type: Bulk, Direction: Out}
	td := buildDataTD(xfer, 512)
	require.Len(t, td.trbs, 1)
	assert.Zero(t, td.trbs[0].TransferLen())
	assert.NotZero(t, td.trbs[0].Control&trb.IOC)
}

func TestZeroPacketAppended(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	buf := placed(t, a, 0x900000, 1024)

	t.Run("appended on exact multiple", func(t *testing.T) {
		xfer := &Transfer{Type: Bulk, Direction: Out, Buffers: []hw.Buffer{buf}, ZeroPacket: true}
		td := buildDataTD(xfer, 512)
		require.Len(t, td.trbs, 2)
		assert.NotZero(t, td.trbs[0].Control&trb.Chain)
		assert.Zero(t, td.trbs[0].Control&trb.IOC)
		assert.Zero(t, td.trbs[1].TransferLen())
		assert.NotZero(t, td.trbs[1].Control&trb.IOC)
	})
	t.Run("not appended without flag", func(t *testing.T) {
		xfer := &Transfer{Type: Bulk, Direction: Out, Buffers: []hw.Buffer{buf}}
		td := buildDataTD(xfer, 512)
		require.Len(t, td.trbs, 1)
	})
	t.Run("not appended on partial packet", func(t *testing.T) {
		xfer := &Transfer{Type: Bulk, Direction: Out, Buffers: []hw.Buffer{buf}, ZeroPacket: true}
		td := buildDataTD(xfer, 300)
		for _, x := range td.trbs {
			assert.NotZero(t, x.TransferLen())
		}
	})
}

func TestControlNoData(t *testing.T) {
	xfer := &Transfer{
		Type:  Control,
		Setup: &trb.SetupPacket{RequestType: 0x00, Request: 9, Value: 1},
	}
	td, err := buildControlTD(xfer)
	require.NoError(t, err)
	require.Len(t, td.trbs, 2, "no data stage means Setup and Status only")

	setup := td.trbs[0]
	assert.Equal(t, trb.TypeSetup, setup.Type())
	assert.NotZero(t, setup.Control&trb.IDT)
	assert.Equal(t, uint32(trb.TRTNoData), setup.Control&(3<<16))
	assert.Equal(t, uint32(8), setup.TransferLen())

	status := td.trbs[1]
	assert.Equal(t, trb.TypeStatus, status.Type())
	assert.NotZero(t, status.Control&trb.DirIn, "status of a no-data transfer is IN")
	assert.NotZero(t, status.Control&trb.IOC)
}

func TestControlWithData(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	buf := placed(t, a, 0xa00000, 18)

	t.Run("in", func(t *testing.T) {
		xfer := &Transfer{
			Type:    Control,
			Buffers: []hw.Buffer{buf},
			Setup:   &trb.SetupPacket{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 18},
		}
		td, err := buildControlTD(xfer)
		require.NoError(t, err)
		require.Len(t, td.trbs, 3)
		assert.Equal(t, uint32(trb.TRTInData), td.trbs[0].Control&(3<<16))
		assert.Equal(t, trb.TypeData, td.trbs[1].Type())
		assert.NotZero(t, td.trbs[1].Control&trb.DirIn)
		assert.Zero(t, td.trbs[2].Control&trb.DirIn, "status runs opposite to an IN data stage")
	})
	t.Run("out", func(t *testing.T) {
		xfer := &Transfer{
			Type:    Control,
			Buffers: []hw.Buffer{buf},
			Setup:   &trb.SetupPacket{RequestType: 0x00, Request: 7, Length: 18},
		}
		td, err := buildControlTD(xfer)
		require.NoError(t, err)
		require.Len(t, td.trbs, 3)
		assert.Equal(t, uint32(trb.TRTOutData), td.trbs[0].Control&(3<<16))
		assert.Zero(t, td.trbs[1].Control&trb.DirIn)
		assert.NotZero(t, td.trbs[2].Control&trb.DirIn)
	})
	t.Run("length mismatch rejected", func(t *testing.T) {
		xfer := &Transfer{
			Type:    Control,
			Buffers: []hw.Buffer{buf},
			Setup:   &trb.SetupPacket{Length: 4},
		}
		_, err := buildControlTD(xfer)
		assert.Error(t, err)
	})
}

func TestIsocPlans(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	buf := placed(t, a, 0xb00000, 3072)

	frames := []Frame{{Offset: 0, Length: 1024}, {Offset: 1024, Length: 1024}, {Offset: 2048, Length: 1024}}

	t.Run("start as soon as possible", func(t *testing.T) {
		xfer := &Transfer{
			Type: Isochronous, Direction: Out,
			Buffers: []hw.Buffer{buf},
			Frames:  append([]Frame(nil), frames...),
			FrameID: SIA,
		}
		plans, err := buildIsocTDs(xfer, 1024)
		require.NoError(t, err)
		require.Len(t, plans, 3, "one descriptor per service interval")
		for i, p := range plans {
			require.Len(t, p.trbs, 1)
			assert.Equal(t, trb.TypeIsoc, p.trbs[0].Type(), "td %d", i)
			assert.NotZero(t, p.trbs[0].Control&trb.SIA, "td %d", i)
			assert.NotZero(t, p.trbs[0].Control&trb.IOC, "td %d", i)
			assert.Equal(t, i, p.frame)
		}
	})
	t.Run("pinned start frame", func(t *testing.T) {
		xfer := &Transfer{
			Type: Isochronous, Direction: Out,
			Buffers: []hw.Buffer{buf},
			Frames:  append([]Frame(nil), frames...),
			FrameID: 0x123,
		}
		plans, err := buildIsocTDs(xfer, 1024)
		require.NoError(t, err)
		first := plans[0].trbs[0]
		assert.Zero(t, first.Control&trb.SIA)
		assert.Equal(t, uint32(0x123), first.Control>>trb.FrameIDShift&trb.FrameIDMask)
		// Later intervals follow the stream without a pinned frame.
		assert.NotZero(t, plans[1].trbs[0].Control&trb.SIA)
	})
}

func TestSliceBuffers(t *testing.T) {
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	frags := []hw.Buffer{
		placed(t, a, 0xc00000, 100),
		placed(t, a, 0xc10000, 100),
	}

	out, err := sliceBuffers(frags, 50, 100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, hw.DMA(0xc00032), out[0].Addr)
	assert.Equal(t, 50, len(out[0].Data))
	assert.Equal(t, hw.DMA(0xc10000), out[1].Addr)
	assert.Equal(t, 50, len(out[1].Data))

	_, err = sliceBuffers(frags, 150, 100)
	assert.Error(t, err, "range past the end of the fragments")
}
