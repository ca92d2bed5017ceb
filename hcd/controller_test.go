package hcd

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/internal/sim"
	"github.com/Alia5/XHIVE/trb"
)

const (
	epBulkOut = 4 // endpoint 2 OUT
	epBulkIn  = 5 // endpoint 2 IN
	epIsocOut = 6 // endpoint 3 OUT
)

type tWriter struct{ t *testing.T }

func (w tWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(tWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type harness struct {
	c    *Controller
	sim  *sim.Sim
	a    *hw.Arena
	slot uint8
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	a := hw.NewArena()
	t.Cleanup(func() { _ = a.Close() })
	s := sim.New(a, 4, testLogger(t))
	if cfg.Log == nil {
		cfg.Log = testLogger(t)
	}
	c, err := New(a, s, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &harness{c: c, sim: s, a: a}
}

// drive runs a blocking controller call while stepping the simulator.
func (h *harness) drive(t *testing.T, fn func() error) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-errc:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("simulator drive timed out")
		default:
			h.step()
			time.Sleep(time.Millisecond)
		}
	}
}

func (h *harness) step() {
	h.sim.Step()
	h.c.Interrupt()
}

// setupDevice enables a slot, addresses it, and configures a bulk
// endpoint pair.
func (h *harness) setupDevice(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.drive(t, func() error {
		id, err := h.c.EnableSlot(ctx)
		h.slot = id
		return err
	})
	h.drive(t, func() error { return h.c.AddressDevice(ctx, h.slot, 64) })
	h.drive(t, func() error {
		return h.c.ConfigureEndpoints(ctx, h.slot, []EndpointConfig{
			{ID: epBulkOut, Type: Bulk, Direction: Out, MaxPacket: 512},
			{ID: epBulkIn, Type: Bulk, Direction: In, MaxPacket: 512},
		}, nil)
	})
}

// awaitCompletion steps the simulator until the transfer lands on the
// completion channel.
func (h *harness) awaitCompletion(t *testing.T) *Transfer {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-h.c.Completions():
			require.True(t, ok, "completion channel closed")
			return tr
		case <-deadline:
			t.Fatal("no completion arrived")
		default:
			h.step()
			time.Sleep(time.Millisecond)
		}
	}
}

func (h *harness) mapped(t *testing.T, data []byte) hw.Buffer {
	t.Helper()
	buf, err := h.a.Map(data)
	require.NoError(t, err)
	return buf
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestDeviceBringup(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	assert.NotZero(t, h.slot)
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	sl := h.c.slots[h.slot]
	require.NotNil(t, sl)
	for _, id := range []uint8{1, epBulkOut, epBulkIn} {
		require.NotNil(t, sl.eps[id], "endpoint %d", id)
		assert.Equal(t, EPRunning, sl.eps[id].state, "endpoint %d", id)
	}
}

func TestBulkOutLoopback(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	data := pattern(70000)
	xfer := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, data)},
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	require.Same(t, xfer, done)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, len(data), done.Actual)

	// Payload integrity end to end.
	assert.Equal(t, blake2b.Sum256(data), h.sim.DigestReceived(h.slot, epBulkOut))
}

func TestBulkInShortPacket(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.QueueIN(h.slot, epBulkIn, pattern(300))
	dst := make([]byte, 1024)
	xfer := &Transfer{
		Slot: h.slot, Endpoint: epBulkIn,
		Type: Bulk, Direction: In,
		Buffers: []hw.Buffer{h.mapped(t, dst)},
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 300, done.Actual)
	assert.True(t, bytes.Equal(dst[:300], pattern(300)))
}

func TestControlTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.QueueIN(h.slot, 1, pattern(18))
	dst := make([]byte, 18)
	xfer := &Transfer{
		Slot: h.slot, Endpoint: 1,
		Type:    Control,
		Setup:   &trb.SetupPacket{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 18},
		Buffers: []hw.Buffer{h.mapped(t, dst)},
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 18, done.Actual)
	assert.True(t, bytes.Equal(dst, pattern(18)))
}

func TestControlNoDataStage(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	xfer := &Transfer{
		Slot: h.slot, Endpoint: 1,
		Type:  Control,
		Setup: &trb.SetupPacket{RequestType: 0x00, Request: 9, Value: 1},
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Zero(t, done.Actual)
}

func TestIsochronousFrames(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)
	h.drive(t, func() error {
		return h.c.ConfigureEndpoints(context.Background(), h.slot, []EndpointConfig{
			{ID: epIsocOut, Type: Isochronous, Direction: Out, MaxPacket: 1024},
		}, nil)
	})

	data := pattern(3072)
	xfer := &Transfer{
		Slot: h.slot, Endpoint: epIsocOut,
		Type: Isochronous, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, data)},
		Frames:  []Frame{{Offset: 0, Length: 1024}, {Offset: 1024, Length: 1024}, {Offset: 2048, Length: 1024}},
		FrameID: SIA,
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 3072, done.Actual)
	for i, f := range done.Frames {
		assert.Equal(t, StatusSuccess, f.Status, "frame %d", i)
		assert.Equal(t, 1024, f.Actual, "frame %d", i)
	}
	assert.True(t, bytes.Equal(data, h.sim.Received(h.slot, epIsocOut)))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	t.Run("unknown slot", func(t *testing.T) {
		err := h.c.Submit(&Transfer{Slot: 7, Endpoint: epBulkOut, Type: Bulk})
		assert.ErrorIs(t, err, ErrInvalidSlot)
	})
	t.Run("unknown endpoint", func(t *testing.T) {
		err := h.c.Submit(&Transfer{Slot: h.slot, Endpoint: 30, Type: Bulk})
		assert.ErrorIs(t, err, ErrInvalidEndpoint)
	})
	t.Run("endpoint not running", func(t *testing.T) {
		h.c.mu.Lock()
		h.c.slots[h.slot].eps[epBulkOut].state = EPStopped
		h.c.mu.Unlock()
		err := h.c.Submit(&Transfer{Slot: h.slot, Endpoint: epBulkOut, Type: Bulk})
		assert.ErrorIs(t, err, ErrEndpointNotRunning)
		h.c.mu.Lock()
		h.c.slots[h.slot].eps[epBulkOut].state = EPRunning
		h.c.mu.Unlock()
	})
}

func TestInsufficientRingSpaceAtomic(t *testing.T) {
	h := newHarness(t, Config{TransferRingSegments: 1, TransferRingTRBs: 4})
	h.setupDevice(t)

	// Three data slots minus the mandatory spare leaves room for two
	// TRBs; 70000 bytes need two, 200000 need four.
	big := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, make([]byte, 200000))},
	}
	err := h.c.Submit(big)
	require.ErrorIs(t, err, ErrInsufficientRingSpace)

	// Nothing may be left behind on the ring.
	h.c.mu.Lock()
	ep := h.c.slots[h.slot].eps[epBulkOut]
	assert.True(t, ep.ring.Empty())
	assert.Zero(t, ep.ring.PendingTDs())
	h.c.mu.Unlock()

	ok := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(70000))},
	}
	require.NoError(t, h.c.Submit(ok))
	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestStallRecovery(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.StallNext(h.slot, epBulkOut)
	xfer := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	require.NoError(t, h.c.Submit(xfer))

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusStalled, done.Status)

	// Drive the Reset Endpoint / Set TR Dequeue recovery to quiescence.
	for i := 0; i < 10; i++ {
		h.step()
	}
	h.c.mu.Lock()
	state := h.c.slots[h.slot].eps[epBulkOut].state
	h.c.mu.Unlock()
	require.Equal(t, EPRunning, state, "halt recovery must end running")

	// The endpoint accepts and completes traffic again.
	again := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	require.NoError(t, h.c.Submit(again))
	done = h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestCancelRetainsStoppedTD(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	xfer := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(4096))},
	}
	require.NoError(t, h.c.Submit(xfer))
	require.NoError(t, h.c.Cancel(xfer))

	h.c.mu.Lock()
	ep := h.c.slots[h.slot].eps[epBulkOut]
	assert.Equal(t, EPStopping, ep.state)
	h.c.mu.Unlock()

	// The stop command preempts the queued transfer work: the
	// controller reports where it stopped, then acknowledges the stop.
	h.sim.Step()
	h.c.DrainEvents()

	h.c.mu.Lock()
	assert.Equal(t, EPSetDequeuePending, ep.state)
	assert.NotNil(t, ep.stoppedTD, "stopped descriptor must be retained")
	assert.Equal(t, 1, ep.ring.PendingTDs(), "descriptor stays pending until the dequeue move completes")
	h.c.mu.Unlock()

	select {
	case <-h.c.Completions():
		t.Fatal("transfer completed before the dequeue reposition")
	default:
	}

	// Set TR Dequeue completes; only now is the descriptor retired.
	h.sim.Step()
	h.c.DrainEvents()

	done := h.awaitCompletion(t)
	assert.Equal(t, StatusCancelled, done.Status)
	h.c.mu.Lock()
	assert.Nil(t, ep.stoppedTD)
	assert.Zero(t, ep.ring.PendingTDs())
	assert.Equal(t, EPRunning, ep.state)
	h.c.mu.Unlock()
}

func TestCancelDuringHaltRecovery(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.StallNext(h.slot, epBulkOut)
	faulted := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	queued := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	require.NoError(t, h.c.Submit(faulted))
	require.NoError(t, h.c.Submit(queued))

	// The first descriptor stalls and halt recovery begins.
	h.sim.Step()
	h.c.DrainEvents()

	var done *Transfer
	select {
	case done = <-h.c.Completions():
	case <-time.After(time.Second):
		t.Fatal("no stall completion")
	}
	require.Same(t, faulted, done)
	assert.Equal(t, StatusStalled, done.Status)

	h.c.mu.Lock()
	ep := h.c.slots[h.slot].eps[epBulkOut]
	require.Equal(t, EPHaltPending, ep.state)
	h.c.mu.Unlock()

	// Cancelled mid-recovery; the descriptor must not run once the
	// endpoint resumes.
	require.NoError(t, h.c.Cancel(queued))

	for i := 0; i < 10; i++ {
		h.step()
	}

	select {
	case done = <-h.c.Completions():
	case <-time.After(time.Second):
		t.Fatal("no cancellation completion")
	}
	require.Same(t, queued, done)
	assert.Equal(t, StatusCancelled, done.Status)

	h.c.mu.Lock()
	assert.Equal(t, EPRunning, ep.state)
	assert.Zero(t, ep.ring.PendingTDs())
	assert.Empty(t, ep.cancelled)
	h.c.mu.Unlock()
}

func TestWatchdogShutdown(t *testing.T) {
	h := newHarness(t, Config{WatchdogTimeout: 25 * time.Millisecond})
	h.setupDevice(t)

	first := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	second := &Transfer{
		Slot: h.slot, Endpoint: epBulkIn,
		Type: Bulk, Direction: In,
		Buffers: []hw.Buffer{h.mapped(t, make([]byte, 512))},
	}
	require.NoError(t, h.c.Submit(first))
	require.NoError(t, h.c.Submit(second))

	// Ask for a stop and never service it.
	require.NoError(t, h.c.Cancel(first))

	select {
	case <-h.c.Dead():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}

	// Every pending descriptor is force-completed exactly once.
	got := map[*Transfer]int{}
	for i := 0; i < 2; i++ {
		select {
		case tr := <-h.c.Completions():
			got[tr]++
		case <-time.After(time.Second):
			t.Fatal("missing shutdown completion")
		}
	}
	assert.Equal(t, 1, got[first])
	assert.Equal(t, 1, got[second])
	assert.Equal(t, StatusShutdown, first.Status)
	assert.Equal(t, StatusShutdown, second.Status)
	select {
	case tr := <-h.c.Completions():
		t.Fatalf("unexpected extra completion: %v", tr.Status)
	case <-time.After(50 * time.Millisecond):
	}

	// No further ring operation is attempted.
	err := h.c.Submit(&Transfer{Slot: h.slot, Endpoint: epBulkOut, Type: Bulk, Direction: Out})
	assert.ErrorIs(t, err, ErrControllerDying)
	assert.ErrorIs(t, h.c.Cancel(first), ErrControllerDying)
	assert.True(t, h.c.Dying())

	// A late watchdog re-fire must be a no-op.
	h.c.mu.Lock()
	ep := h.c.slots[h.slot].eps[epBulkOut]
	h.c.mu.Unlock()
	h.c.stopWatchdog(ep)
}

func TestCommandRingDesyncIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.sim.CorruptNextCommandEvent()

	errc := make(chan error, 1)
	go func() { errc <- h.c.NoOpCommand(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		h.step()
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrControllerDying)
			assert.True(t, h.c.Dying())
			select {
			case <-h.c.Dead():
			default:
				t.Fatal("dead channel not closed")
			}
			return
		case <-deadline:
			t.Fatal("desync not detected")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestOrphanedEventLeavesRingAlone(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	xfer := &Transfer{
		Slot: h.slot, Endpoint: epBulkOut,
		Type: Bulk, Direction: Out,
		Buffers: []hw.Buffer{h.mapped(t, pattern(512))},
	}
	require.NoError(t, h.c.Submit(xfer))

	// An event pointing outside every pending descriptor.
	h.sim.PostTransferEvent(h.slot, epBulkOut, 0x10, trb.CompSuccess, 0)
	h.c.Interrupt()

	assert.Equal(t, uint64(1), h.c.Counters().OrphanedEvents)
	assert.False(t, h.c.Dying(), "orphaned events are not fatal")
	h.c.mu.Lock()
	assert.Equal(t, 1, h.c.slots[h.slot].eps[epBulkOut].ring.PendingTDs())
	h.c.mu.Unlock()

	// The real completion still retires the descriptor.
	done := h.awaitCompletion(t)
	assert.Equal(t, StatusSuccess, done.Status)
}

func TestStrayEventOnEmptyRingDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.PostTransferEvent(h.slot, epBulkOut, 0x10, trb.CompSuccess, 0)
	h.c.Interrupt()

	assert.Equal(t, uint64(1), h.c.Counters().StrayEvents)
	assert.False(t, h.c.Dying())
}

func TestPortChange(t *testing.T) {
	h := newHarness(t, Config{})

	h.sim.Connect(2, hw.SpeedHigh)
	h.c.Interrupt()

	select {
	case pc := <-h.c.PortChanges():
		assert.Equal(t, 2, pc.Port)
		assert.True(t, pc.Connected)
		assert.Equal(t, uint32(hw.SpeedHigh), pc.Speed)
	case <-time.After(time.Second):
		t.Fatal("no port change delivered")
	}
	// The change bits that raised the event were cleared.
	assert.Zero(t, h.sim.PortStatus(2)&hw.PortChangeMask)
}

func TestNotificationAndWrapEvents(t *testing.T) {
	h := newHarness(t, Config{})

	h.sim.PostDeviceNotification(3, 1, 0xbeef)
	h.sim.PostMFIndexWrap()
	h.c.Interrupt()

	select {
	case n := <-h.c.Notifications():
		assert.Equal(t, uint8(3), n.Slot)
		assert.Equal(t, uint8(1), n.Type)
		assert.Equal(t, uint64(0xbeef), n.Value)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
	assert.Equal(t, uint64(1), h.c.Counters().MFIndexWraps)
}

func TestHardwareGoneIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDevice(t)

	h.sim.SetGone()
	h.c.DrainEvents()

	assert.True(t, h.c.Dying())
	select {
	case <-h.c.Dead():
	default:
		t.Fatal("dead channel not closed")
	}
}
