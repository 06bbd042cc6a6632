package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProcessorConfig holds configuration for the sync processor.
type ProcessorConfig struct {
	// PollInterval is the fallback cadence when no trigger arrives (default: 30s)
	PollInterval time.Duration

	// TriggerBuffer is how many external triggers may queue up (default: 4)
	TriggerBuffer int
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:  30 * time.Second,
		TriggerBuffer: 4,
	}
}

// Processor runs sync cycles on a poll ticker and on external triggers
// (change events, app foreground). Cycles never overlap: the loop is the
// single serial writer the local store expects.
type Processor struct {
	reconciler *Reconciler
	config     ProcessorConfig
	triggerCh  chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewProcessor(reconciler *Reconciler, config ProcessorConfig) *Processor {
	if config.TriggerBuffer <= 0 {
		config.TriggerBuffer = 1
	}
	return &Processor{
		reconciler: reconciler,
		config:     config,
		triggerCh:  make(chan struct{}, config.TriggerBuffer),
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("sync processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Sync processor started",
		"poll_interval", p.config.PollInterval)
	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		slog.InfoContext(ctx, "Sync processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// IsRunning returns whether the processor is currently running.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Trigger requests a sync cycle outside the poll cadence. Non-blocking; a
// trigger arriving while the buffer is full coalesces with the queued ones.
func (p *Processor) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

func (p *Processor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on startup to drain anything left from a crash.
	p.runCycle(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.triggerCh:
			p.runCycle(ctx)
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Processor) runCycle(ctx context.Context) {
	if _, err := p.reconciler.Cycle(ctx); err != nil {
		slog.ErrorContext(ctx, "Sync cycle failed", "error", err)
	}
}
