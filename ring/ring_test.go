package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/trb"
)

func newTestRing(t *testing.T, kind Kind, segs, ntrbs int) *Ring {
	t.Helper()
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	r, err := New(a, kind, segs, ntrbs)
	require.NoError(t, err)
	return r
}

func normal(chain bool) trb.TRB {
	var t trb.TRB
	t.SetType(trb.TypeNormal)
	if chain {
		t.Control |= trb.Chain
	}
	return t
}

func TestNewRingLayout(t *testing.T) {
	r := newTestRing(t, Transfer, 3, 8)

	assert.Equal(t, uint32(1), r.CycleState())
	assert.True(t, r.Empty())

	// Every segment ends in a Link TRB pointing at the next segment;
	// only the wrap link toggles cycle state.
	s := r.First()
	for i := 0; i < 3; i++ {
		link := &s.trbs[s.Len()-1]
		assert.Equal(t, trb.TypeLink, link.Type(), "segment %d", i)
		assert.Equal(t, uint64(s.Next().Base()), link.Pointer(), "segment %d", i)
		wantToggle := s.Next() == r.First()
		assert.Equal(t, wantToggle, link.Control&trb.ToggleCycle != 0, "segment %d", i)
		s = s.Next()
	}
	assert.Same(t, r.First(), s)
}

func TestEventRingHasNoLinks(t *testing.T) {
	r := newTestRing(t, Event, 2, 4)
	s := r.First()
	for i := 0; i < 2; i++ {
		for j := 0; j < s.Len(); j++ {
			assert.Zero(t, s.trbs[j].Control, "segment %d slot %d", i, j)
		}
		s = s.Next()
	}
}

func TestQueuePublishesWithCycle(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)
	require.NoError(t, r.Prepare(1))

	at := r.Queue(normal(false), false)
	assert.Equal(t, trb.TypeNormal, at.TRB().Type())
	assert.Equal(t, uint32(1), trb.LoadControl(at.TRB())&trb.Cycle)
	assert.Equal(t, OwnerHardware, r.SlotOwner(at))
	assert.Equal(t, Cursor{r.First(), 1}, r.Enqueue())
	assert.False(t, r.Empty())
}

func TestDeferredFirstTRB(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)
	require.NoError(t, r.Prepare(3))

	startCycle := r.CycleState()
	first := r.QueueDeferred(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(false), false)

	// The head slot stays software-owned until the whole descriptor
	// is in place.
	assert.Equal(t, OwnerSoftware, r.SlotOwner(first))

	r.Publish(first, startCycle)
	assert.Equal(t, OwnerHardware, r.SlotOwner(first))
	assert.Equal(t, startCycle, trb.LoadControl(first.TRB())&trb.Cycle)
}

func TestIncEnqCarriesChainAcrossLink(t *testing.T) {
	r := newTestRing(t, Transfer, 2, 4)
	require.NoError(t, r.Prepare(4))

	// Fill the first segment's three data slots with a chained
	// descriptor that continues into the next segment.
	r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(true), true)

	link := &r.First().trbs[3]
	assert.NotZero(t, link.Control&trb.Chain, "link must carry the chain flag")
	assert.Equal(t, uint32(trb.Cycle), link.Control&trb.Cycle, "link cycle flipped to hardware-owned")
	assert.Equal(t, Cursor{r.First().Next(), 0}, r.Enqueue())
	// Only the wrap link toggles producer cycle state.
	assert.Equal(t, uint32(1), r.CycleState())

	r.Queue(normal(false), false)
	assert.Equal(t, Cursor{r.First().Next(), 1}, r.Enqueue())
}

func TestEnqueueParksOnLinkBetweenDescriptors(t *testing.T) {
	r := newTestRing(t, Transfer, 2, 4)
	require.NoError(t, r.Prepare(3))

	r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(false), false)

	// The descriptor ended exactly at the link; the cursor parks there
	// and the link stays software-owned.
	link := Cursor{r.First(), 3}
	assert.Equal(t, link, r.Enqueue())
	assert.Equal(t, trb.TypeLink, link.TRB().Type())
	assert.Equal(t, uint32(0), trb.LoadControl(link.TRB())&trb.Cycle)

	// Prepare walks off the link and hands it over with chain cleared.
	require.NoError(t, r.Prepare(1))
	assert.Equal(t, Cursor{r.First().Next(), 0}, r.Enqueue())
	assert.Equal(t, uint32(1), trb.LoadControl(link.TRB())&trb.Cycle)
	assert.Zero(t, trb.LoadControl(link.TRB())&trb.Chain)
}

func TestCycleTogglesAtWrap(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 4)

	// Drain as we go so room never runs out.
	for round := 0; round < 2; round++ {
		want := uint32(1 - round)
		for i := 0; i < 3; i++ {
			require.NoError(t, r.Prepare(1))
			at := r.Queue(normal(false), false)
			assert.Equal(t, want, trb.LoadControl(at.TRB())&trb.Cycle, "round %d slot %d", round, i)
			r.IncDeq()
		}
	}
	// Walking off the wrap link a second time restores the initial
	// cycle state.
	require.NoError(t, r.Prepare(1))
	assert.Equal(t, uint32(1), r.CycleState())
}

func TestHasRoomKeepsSpareSlot(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)

	// 7 data slots, one held back.
	assert.True(t, r.HasRoom(6))
	assert.False(t, r.HasRoom(7))

	require.NoError(t, r.Prepare(3))
	r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(false), false)

	assert.True(t, r.HasRoom(3))
	assert.False(t, r.HasRoom(4))

	r.IncDeq()
	assert.True(t, r.HasRoom(4))
}

func TestPrepareFailsWithoutRoom(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 4)
	err := r.Prepare(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientRingSpace)
}

func TestEventRingConsume(t *testing.T) {
	r := newTestRing(t, Event, 2, 4)

	// Nothing published yet.
	_, ok := r.PeekEvent()
	assert.False(t, ok)

	post := func(c Cursor, cycle uint32) {
		c.TRB().Lo = 0
		c.TRB().Hi = 0
		c.TRB().Status = 0
		trb.Store(c.TRB(), trb.TypeControl(trb.TypeTransferEvent, cycle))
	}

	// The controller fills both segments with cycle 1.
	s := r.First()
	for i := 0; i < 4; i++ {
		post(Cursor{s, i}, 1)
	}
	s = s.Next()
	for i := 0; i < 4; i++ {
		post(Cursor{s, i}, 1)
	}

	for i := 0; i < 8; i++ {
		ev, ok := r.PeekEvent()
		require.True(t, ok, "event %d", i)
		assert.Equal(t, trb.TypeTransferEvent, ev.Type())
		r.IncDeq()
	}
	assert.Equal(t, uint32(0), r.CycleState(), "cycle toggled at segment-list wrap")

	// The producer wraps into the freed first slot with the toggled
	// cycle; the consumer picks it up against its own toggled state.
	post(Cursor{r.First(), 0}, 0)
	ev, ok := r.PeekEvent()
	require.True(t, ok, "wrapped event")
	assert.Equal(t, trb.TypeTransferEvent, ev.Type())
	r.IncDeq()
	_, ok = r.PeekEvent()
	assert.False(t, ok)
}

func TestPendingTDOrder(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)
	a := &TD{}
	b := &TD{}
	r.AppendTD(a)
	r.AppendTD(b)

	assert.Equal(t, 2, r.PendingTDs())
	assert.Same(t, a, r.FirstTD())
	assert.True(t, r.RemoveTD(a))
	assert.Same(t, b, r.FirstTD())
	assert.False(t, r.RemoveTD(a))
	assert.True(t, r.RemoveTD(b))
	assert.Nil(t, r.FirstTD())
}

func TestFindTRB(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)
	require.NoError(t, r.Prepare(3))

	first := r.Queue(normal(true), true)
	mid := r.Queue(normal(true), true)
	last := r.Queue(normal(false), false)
	td := &TD{First: first, Last: last}

	c, ok := r.FindTRB(td, mid.DMA())
	require.True(t, ok)
	assert.Equal(t, mid, c)

	_, ok = r.FindTRB(td, last.DMA()+TRBSize)
	assert.False(t, ok, "address past the descriptor")
}

func TestFindTRBWrappedRange(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)

	// Park the ring near the end of the segment, then queue a
	// descriptor that wraps through the link.
	require.NoError(t, r.Prepare(5))
	for i := 0; i < 5; i++ {
		r.Queue(normal(false), false)
		r.IncDeq()
	}

	require.NoError(t, r.Prepare(4))
	first := r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	last := r.Queue(normal(false), false)
	td := &TD{First: first, Last: last}
	require.Equal(t, 1, last.Idx, "descriptor wrapped into the start of the segment")

	ivs := r.Intervals(r.Dequeue(), td.Last)
	require.Len(t, ivs, 2)

	c, ok := r.FindTRB(td, last.DMA())
	require.True(t, ok)
	assert.Equal(t, last, c)

	c, ok = r.FindTRB(td, first.DMA())
	require.True(t, ok)
	assert.Equal(t, first, c)
}

func TestFindTRBAcrossSegments(t *testing.T) {
	r := newTestRing(t, Transfer, 2, 4)

	// Park both cursors near the end of the first segment, then queue
	// a descriptor that runs through the whole second segment and
	// re-enters the first.
	require.NoError(t, r.Prepare(2))
	for i := 0; i < 2; i++ {
		r.Queue(normal(false), false)
		r.IncDeq()
	}

	require.NoError(t, r.Prepare(5))
	first := r.Queue(normal(true), true)
	far := r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	last := r.Queue(normal(false), false)
	td := &TD{First: first, Last: last}
	require.Same(t, r.First(), last.Seg, "descriptor re-entered the starting segment")

	ivs := r.Intervals(r.Dequeue(), td.Last)
	require.Len(t, ivs, 3, "middle segment must not be dropped")

	for _, want := range []Cursor{first, far, last} {
		got, ok := r.FindTRB(td, want.DMA())
		require.True(t, ok, "slot %#x", want.DMA())
		assert.Equal(t, want, got)
	}
	_, ok := r.FindTRB(td, Cursor{r.First(), 1}.DMA())
	assert.False(t, ok, "address past the descriptor")
}

func TestToNoOp(t *testing.T) {
	r := newTestRing(t, Transfer, 1, 8)

	// Move the cursors so the descriptor spans the link.
	require.NoError(t, r.Prepare(5))
	for i := 0; i < 5; i++ {
		r.Queue(normal(false), false)
		r.IncDeq()
	}

	require.NoError(t, r.Prepare(3))
	first := r.Queue(normal(true), true)
	r.Queue(normal(true), true)
	last := r.Queue(normal(false), false)
	td := &TD{First: first, Last: last}

	r.ToNoOp(td)

	for c := first; ; c = r.NextTRB(c) {
		tt := c.TRB()
		if tt.Type() == trb.TypeLink {
			assert.Zero(t, tt.Control&trb.Chain, "chain cleared on the link")
		} else {
			assert.Equal(t, trb.TypeNoOp, tt.Type())
			assert.Zero(t, tt.Lo)
			assert.Zero(t, tt.Hi)
			assert.Zero(t, tt.Status)
		}
		if c == last {
			break
		}
	}
}

func TestAfterTD(t *testing.T) {
	t.Run("mid segment", func(t *testing.T) {
		r := newTestRing(t, Transfer, 1, 8)
		require.NoError(t, r.Prepare(3))
		first := r.Queue(normal(true), true)
		stopped := r.Queue(normal(true), true)
		last := r.Queue(normal(false), false)
		td := &TD{First: first, Last: last}

		next, cycle := r.AfterTD(td, stopped)
		assert.Equal(t, Cursor{r.First(), 3}, next)
		assert.Equal(t, uint32(1), cycle)
	})

	t.Run("across wrap link", func(t *testing.T) {
		r := newTestRing(t, Transfer, 1, 8)
		require.NoError(t, r.Prepare(6))
		for i := 0; i < 6; i++ {
			r.Queue(normal(false), false)
			r.IncDeq()
		}

		require.NoError(t, r.Prepare(3))
		first := r.Queue(normal(true), true)
		stopped := first
		r.Queue(normal(true), true)
		last := r.Queue(normal(false), false)
		td := &TD{First: first, Last: last}
		require.Equal(t, 1, last.Idx, "descriptor wrapped")

		next, cycle := r.AfterTD(td, stopped)
		assert.Equal(t, Cursor{r.First(), 2}, next)
		// The toggle link between the stop point and the resume point
		// flips the expected cycle.
		assert.Equal(t, uint32(0), cycle)
	})
}

func TestCursorFor(t *testing.T) {
	r := newTestRing(t, Transfer, 2, 4)
	want := Cursor{r.First().Next(), 2}

	got, ok := r.CursorFor(want.DMA())
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = r.CursorFor(want.DMA() + 4)
	assert.False(t, ok, "unaligned address")
	_, ok = r.CursorFor(hw.DMA(0x10))
	assert.False(t, ok, "foreign address")
}
