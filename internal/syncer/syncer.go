// Package syncer runs the bidirectional sync cycles between the local event
// store and every configured calendar provider.
package syncer

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"calsync/internal/direction"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	DefaultInterval      = 300 * time.Second
	DefaultLookAheadDays = 7
)

// EventStore is the part of the store the orchestrator drives.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*models.Event, error)
	GetByExternalID(ctx context.Context, p models.Provider, externalID string) (*models.Event, error)
	GetByWindow(ctx context.Context, w models.Window) ([]*models.Event, error)
	Upsert(ctx context.Context, ev *models.Event) (*models.Event, error)
	Delete(ctx context.Context, id string, reason models.DeletionReason) error
	PendingTombstone(ctx context.Context, p models.Provider, externalID string) (*models.Tombstone, error)
	MarkPropagated(ctx context.Context, tombstoneID string) error
}

// Options tune the orchestrator. Zero values fall back to the defaults.
type Options struct {
	Interval      time.Duration
	LookAheadDays int
	// Location anchors the look-ahead window at local midnight.
	Location *time.Location
	Clock    func() time.Time
	// DryRun logs every decision without writing to the store or any provider.
	DryRun bool
	// KeepRemoteOnDelete disables propagating a provider-side deletion to the event's other providers.
	KeepRemoteOnDelete bool
	Resolver           direction.Resolver
}

// Orchestrator owns the run/stop state machine and the sync cycles.
type Orchestrator struct {
	store     EventStore
	providers []provider.Client
	opts      Options
	logger    *slog.Logger

	// cycleMu guarantees a single active cycle, scheduled or manual.
	cycleMu sync.Mutex

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
	available   map[models.Provider]bool
	cycles      int
	lastCycleAt *time.Time
	lastReport  *CycleReport
}

// New creates a stopped orchestrator over the given providers, processed in order.
func New(logger *slog.Logger, store EventStore, providers []provider.Client, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.LookAheadDays <= 0 {
		opts.LookAheadDays = DefaultLookAheadDays
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Resolver == nil {
		opts.Resolver = direction.DefaultResolver
	}
	available := make(map[models.Provider]bool, len(providers))
	for _, p := range providers {
		available[p.Name()] = false
	}
	return &Orchestrator{
		store:     store,
		providers: providers,
		opts:      opts,
		logger:    logger,
		available: available,
	}
}

// Start runs a cycle immediately and then one per interval until Stop.
// Starting a running orchestrator only returns its status.
func (o *Orchestrator) Start(ctx context.Context) Status {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.Info("Auto-sync already running.")
		return o.Status()
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop(ctx, o.stopCh, o.done)
	o.mu.Unlock()

	o.logger.Info("Auto-sync started.", "interval", o.opts.Interval, "lookAheadDays", o.opts.LookAheadDays, "dryRun", o.opts.DryRun)
	return o.Status()
}

// Stop ends the schedule. An in-flight cycle runs to completion.
func (o *Orchestrator) Stop() Status {
	o.mu.Lock()
	if o.running {
		o.running = false
		close(o.stopCh)
		o.logger.Info("Auto-sync stopped.")
	}
	o.mu.Unlock()
	return o.Status()
}

// Shutdown stops the schedule and waits for the loop to exit or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop()
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunCycleNow runs one cycle, waiting for any in-flight cycle first.
func (o *Orchestrator) RunCycleNow(ctx context.Context) (*CycleReport, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.runCycle(ctx)
}

// Status returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:         o.running,
		IntervalSeconds: int(o.opts.Interval / time.Second),
		Cycles:          o.cycles,
		LastCycleAt:     o.lastCycleAt,
		LastReport:      o.lastReport,
	}
	for _, p := range o.providers {
		st.Providers = append(st.Providers, ProviderStatus{Name: p.Name(), Available: o.available[p.Name()]})
	}
	return st
}

func (o *Orchestrator) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		o.cycleMu.Lock()
		if _, err := o.runCycle(ctx); err != nil {
			o.logger.Error("Sync cycle failed", "error", err)
		}
		o.cycleMu.Unlock()

		select {
		case <-stop:
			return
		case <-ctx.Done():
			o.mu.Lock()
			if o.stopCh == stop {
				o.running = false
			}
			o.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one full cycle. The caller holds cycleMu.
func (o *Orchestrator) runCycle(ctx context.Context) (report *CycleReport, err error) {
	now := o.opts.Clock().UTC()
	window := models.LookAhead(now, o.opts.LookAheadDays, o.opts.Location)
	report = &CycleReport{
		StartedAt:   now,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		DryRun:      o.opts.DryRun,
	}

	defer func() {
		if r := recover(); r != nil {
			fatal := &FatalError{Value: r, Stack: debug.Stack()}
			o.logger.Error("Recovered from panic in sync cycle", "panic", r, "stack", string(fatal.Stack))
			report.Error = fatal.Error()
			err = fatal
		}
		report.FinishedAt = o.opts.Clock().UTC()
		o.record(report)
	}()

	o.logger.Info("Starting sync cycle.", "windowStart", window.Start, "windowEnd", window.End)
	c := &cycle{o: o, now: now, window: window, report: report}
	c.run(ctx)
	o.logger.Info("Sync cycle finished.", "duration", o.opts.Clock().Sub(now))

	if ctxErr := ctx.Err(); ctxErr != nil {
		report.Error = ctxErr.Error()
		return report, ctxErr
	}
	return report, nil
}

func (o *Orchestrator) record(report *CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
	at := report.StartedAt
	o.lastCycleAt = &at
	o.lastReport = report
}

func (o *Orchestrator) setAvailable(p models.Provider, ok bool) {
	o.mu.Lock()
	o.available[p] = ok
	o.mu.Unlock()
}
