package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/term"

	"github.com/Alia5/XHIVE/hcd"
	"github.com/Alia5/XHIVE/hw"
	"github.com/Alia5/XHIVE/internal/journal"
	"github.com/Alia5/XHIVE/internal/log"
	"github.com/Alia5/XHIVE/internal/sim"
)

// Endpoint IDs the soak device exposes.
const (
	soakEPOut = 4 // bulk endpoint 2 OUT
	soakEPIn  = 5 // bulk endpoint 2 IN
)

// Soak drives the engine against the simulated controller with random
// bulk traffic and verifies payload integrity end to end.
type Soak struct {
	Transfers  int           `help:"Number of transfers to run" default:"1000" env:"XHIVE_SOAK_TRANSFERS"`
	MaxPayload int           `help:"Maximum payload size per transfer" default:"131072" env:"XHIVE_SOAK_MAX_PAYLOAD"`
	Seed       int64         `help:"Random seed (0 picks one from the clock)" default:"0" env:"XHIVE_SOAK_SEED"`
	Duration   time.Duration `help:"Stop after this long even if transfers remain" default:"0s" env:"XHIVE_SOAK_DURATION"`
	Journal    string        `help:"SQLite journal path (empty disables)" env:"XHIVE_SOAK_JOURNAL"`
	Trace      string        `help:"JSON line trace path (empty disables)" env:"XHIVE_SOAK_TRACE"`
}

// Run is called by Kong when the soak command is executed.
func (s *Soak) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if s.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Duration)
		defer cancel()
	}
	return s.run(ctx, logger, rawLogger)
}

func (s *Soak) run(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Info("soak starting", "transfers", s.Transfers, "maxPayload", s.MaxPayload, "seed", seed)

	var store *journal.Store
	if s.Journal != "" {
		var err error
		store, err = journal.Open(s.Journal)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	var trace *journal.Trace
	if s.Trace != "" {
		f, err := os.Create(s.Trace)
		if err != nil {
			return fmt.Errorf("trace file: %w", err)
		}
		trace = journal.NewTrace(f)
		defer trace.Close()
	}

	arena := hw.NewArena()
	defer arena.Close()
	simc := sim.New(arena, 1, logger)
	ctrl, err := hcd.New(arena, simc, hcd.Config{Log: logger})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// Pump: the simulator and the interrupt path run until the soak
	// finishes or the controller dies.
	pumpDone := make(chan struct{})
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ctrl.Dead():
				return
			default:
			}
			if simc.Step() == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			ctrl.Interrupt()
		}
	}()
	defer func() { stopPump(); <-pumpDone }()

	slot, err := ctrl.EnableSlot(ctx)
	if err != nil {
		return fmt.Errorf("enable slot: %w", err)
	}
	if err := ctrl.AddressDevice(ctx, slot, 64); err != nil {
		return fmt.Errorf("address device: %w", err)
	}
	if err := ctrl.ConfigureEndpoints(ctx, slot, []hcd.EndpointConfig{
		{ID: soakEPOut, Type: hcd.Bulk, Direction: hcd.Out, MaxPacket: 512},
		{ID: soakEPIn, Type: hcd.Bulk, Direction: hcd.In, MaxPacket: 512},
	}, nil); err != nil {
		return fmt.Errorf("configure endpoints: %w", err)
	}

	// Completion consumer; journals every retired transfer.
	var wg sync.WaitGroup
	var completed, failed int
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-ctrl.Completions():
				if !ok {
					return
				}
				mu.Lock()
				completed++
				if t.Status != hcd.StatusSuccess {
					failed++
				}
				done := completed
				mu.Unlock()
				s.record(logger, store, trace, t)
				if done >= s.Transfers {
					return
				}
			}
		}
	}()

	progress := term.IsTerminal(int(os.Stdout.Fd()))
	outHash, _ := blake2b.New256(nil)
	submitted := 0
	for submitted < s.Transfers && ctx.Err() == nil {
		select {
		case <-ctrl.Dead():
			return fmt.Errorf("controller died mid-soak")
		default:
		}

		n := 1 + rng.Intn(s.MaxPayload)
		payload := make([]byte, n)
		rng.Read(payload)
		in := rng.Intn(4) == 0

		var t *hcd.Transfer
		if in {
			simc.QueueIN(slot, soakEPIn, payload)
			buf, err := arena.Map(make([]byte, n))
			if err != nil {
				return err
			}
			t = &hcd.Transfer{Slot: slot, Endpoint: soakEPIn, Type: hcd.Bulk, Direction: hcd.In,
				Buffers: []hw.Buffer{buf}}
		} else {
			buf, err := arena.Map(payload)
			if err != nil {
				return err
			}
			outHash.Write(payload)
			t = &hcd.Transfer{Slot: slot, Endpoint: soakEPOut, Type: hcd.Bulk, Direction: hcd.Out,
				Buffers: []hw.Buffer{buf}}
		}
		head := payload
		if len(head) > 32 {
			head = head[:32]
		}
		rawLogger.Log(in, head)

		for {
			err := ctrl.Submit(t)
			if err == nil {
				break
			}
			if ctx.Err() != nil || ctrl.Dying() {
				return fmt.Errorf("submit: %w", err)
			}
			// Ring full; let the pump drain completed work.
			time.Sleep(time.Millisecond)
		}
		submitted++
		if progress && submitted%100 == 0 {
			fmt.Printf("\rsubmitted %d/%d", submitted, s.Transfers)
		}
	}
	if progress {
		fmt.Printf("\rsubmitted %d/%d\n", submitted, s.Transfers)
	}

	wg.Wait()

	// Integrity: everything sent OUT must have arrived in order. A
	// duration-limited run may stop with work in flight; skip the check
	// then.
	if ctx.Err() == nil {
		var sent [blake2b.Size256]byte
		outHash.Sum(sent[:0])
		if got := simc.DigestReceived(slot, soakEPOut); sent != got {
			return fmt.Errorf("payload digest mismatch after %d transfers", submitted)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	counters := ctrl.Counters()
	logger.Info("soak finished",
		"submitted", submitted, "completed", completed, "failed", failed,
		"events", counters.Events, "stray", counters.StrayEvents, "orphaned", counters.OrphanedEvents)
	if store != nil {
		sum, err := store.Summarize()
		if err != nil {
			return err
		}
		logger.Info("journal summary", "total", sum.Total, "bytes", sum.Bytes)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, completed)
	}
	return nil
}

// record journals one completed transfer.
func (s *Soak) record(logger *slog.Logger, store *journal.Store, trace *journal.Trace, t *hcd.Transfer) {
	rec := journal.Record{
		Slot:      t.Slot,
		Endpoint:  t.Endpoint,
		Type:      t.Type.String(),
		Direction: t.Direction.String(),
		Length:    t.Len(),
		Actual:    t.Actual,
		Status:    t.Status.String(),
		Frames:    len(t.Frames),
		Completed: time.Now(),
	}
	if store != nil {
		if _, err := store.Append(rec); err != nil {
			logger.Error("journal append failed", "error", err)
		}
	}
	if trace != nil {
		if err := trace.Append(rec); err != nil {
			logger.Error("trace append failed", "error", err)
		}
	}
	logger.Log(context.Background(), log.LevelTrace, "transfer retired",
		"endpoint", t.Endpoint, "status", t.Status.String(), "actual", t.Actual)
}
