package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateIdle int32 = iota
	stateRunning
)

// RunFunc is one timer run.
type RunFunc func(ctx context.Context) error

// PollerConfig configures a single Poller.
type PollerConfig struct {
	Name     string
	Interval time.Duration
	Run      RunFunc
	// OnError receives errors returned by Run and recovered panics.
	OnError func(err error)
	// OnSkip is called for each tick dropped while a run is in progress.
	OnSkip func()
	Logger *slog.Logger
}

// Poller fires Run on a fixed interval without ever overlapping runs. A tick
// that arrives while the previous run is still going is dropped, not queued.
type Poller struct {
	cfg    PollerConfig
	logger *slog.Logger
	state  atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	skipped atomic.Int64
}

// NewPoller validates cfg and returns an idle poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poller %q: interval must be positive", cfg.Name)
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("poller %q: run func is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, logger: logger.With("poller", cfg.Name)}, nil
}

// Start launches the ticker loop. Calling Start on a running poller is a no-op.
// Cancelling ctx stops new ticks; runs get a context that keeps its values
// but is never cancelled, so a run in flight reports its outcome.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx := context.WithoutCancel(ctx)
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx, runCtx)
}

// Stop halts the ticker and waits for an in-flight run to return. The run
// itself is not interrupted. A stopped poller stays stopped; Start will not
// revive it.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Running reports whether a run is in progress.
func (p *Poller) Running() bool { return p.state.Load() == stateRunning }

// Skipped is the number of ticks dropped so far.
func (p *Poller) Skipped() int64 { return p.skipped.Load() }

func (p *Poller) loop(ctx, runCtx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.tick(runCtx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.state.CompareAndSwap(stateIdle, stateRunning) {
		p.skipped.Add(1)
		if p.cfg.OnSkip != nil {
			p.cfg.OnSkip()
		}
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.state.Store(stateIdle)
		if err := p.runOnce(ctx); err != nil {
			p.fault(err)
		}
	}()
}

func (p *Poller) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.cfg.Run(ctx)
}

func (p *Poller) fault(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	p.logger.Error("run failed", "error", err)
}
