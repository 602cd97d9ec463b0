// Package dispatcher implements the reactive control plane's event→handler
// fanout: priority ordering, filter matching, rate limiting, chain-depth
// suppression, dedup, per-handler timeouts and circuit breakers, watermark
// tracking, dead-letter recording, and startup replay.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/odgrim/abathur-swarm/internal/errors"
	"github.com/odgrim/abathur-swarm/internal/event"
	"github.com/odgrim/abathur-swarm/internal/journal"
	"github.com/odgrim/abathur-swarm/internal/logging"
)

// Priority orders handler invocation for a single event. Lower values run
// first.
type Priority int

const (
	PrioritySystem Priority = 0
	PriorityHigh   Priority = 100
	PriorityNormal Priority = 500
	PriorityLow    Priority = 1000
)

// ErrorStrategy controls how the dispatcher reacts to a handler failure.
type ErrorStrategy int

const (
	// LogAndContinue records a dead-letter entry and an error log line but
	// leaves the handler eligible for the next event. No HandlerError event
	// is published for the failure.
	LogAndContinue ErrorStrategy = iota
	// CircuitBreak additionally routes the failure through the handler's
	// CircuitBreaker, which may skip future invocations until cooldown.
	CircuitBreak
)

// Metadata describes a handler's identity and dispatch configuration.
type Metadata struct {
	ID            string
	Name          string
	Filter        event.Filter
	Priority      Priority
	ErrorStrategy ErrorStrategy
}

// Reaction is what a handler produces in response to an event.
type Reaction struct {
	Events []event.Event
}

// NoReaction is the zero-value Reaction: no further events to emit.
var NoReaction = Reaction{}

// Handler reacts to journaled events. Handle may return an error to signal
// failure; the dispatcher classifies and records it per metadata's
// ErrorStrategy.
type Handler interface {
	Metadata() Metadata
	Handle(ctx context.Context, e event.Event) (Reaction, error)
}

// Config bounds the dispatcher's safety mechanisms.
type Config struct {
	MaxEventsPerSecond     int
	MaxChainDepth          int
	DedupCacheSize         int
	HandlerTimeout         time.Duration
	WatermarkFlushEvery    int
	WatermarkFlushInterval time.Duration
	StartupMaxReplayEvents int
	CircuitBreaker         errors.CircuitBreakerConfig
}

// DefaultConfig returns the dispatcher's default tuning.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerSecond:     200,
		MaxChainDepth:          10,
		DedupCacheSize:         4096,
		HandlerTimeout:         15 * time.Second,
		WatermarkFlushEvery:    50,
		WatermarkFlushInterval: 5 * time.Second,
		StartupMaxReplayEvents: 10000,
		CircuitBreaker:         errors.DefaultCircuitBreakerConfig(),
	}
}

// Publisher is the subset of bus.Bus the dispatcher needs: subscribe to
// receive events, publish to emit reactions.
type Publisher interface {
	Subscribe(ctx context.Context, filter event.Filter) <-chan event.Event
	Publish(ctx context.Context, e event.Event) (event.Event, error)
}

// Dispatcher subscribes to a Publisher and fans events out to registered
// handlers under rate limiting, chain-depth guards, dedup, timeouts, and
// circuit breaking.
type Dispatcher struct {
	bus     Publisher
	j       *journal.Journal
	cfg     Config
	logger  logging.Logger
	circuit *errors.CircuitBreakerManager

	mu       sync.RWMutex
	handlers []Handler

	dedup *lru.Cache[uint64, struct{}]

	chainMu    sync.Mutex
	chainDepth map[string]int

	rateMu      sync.Mutex
	windowStart time.Time
	windowCount int
	droppedRate int64

	flushMu      sync.Mutex
	sinceFlush   int
	lastFlush    time.Time
	watermarkBuf map[string]uint64
}

// New constructs a Dispatcher bound to bus and journal j.
func New(bus Publisher, j *journal.Journal, cfg Config, logger logging.Logger) (*Dispatcher, error) {
	dedup, err := lru.New[uint64, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Dispatcher{
		bus:          bus,
		j:            j,
		cfg:          cfg,
		logger:       logging.OrNop(logger),
		circuit:      errors.NewCircuitBreakerManager(cfg.CircuitBreaker),
		dedup:        dedup,
		chainDepth:   make(map[string]int),
		watermarkBuf: make(map[string]uint64),
		lastFlush:    time.Now(),
	}, nil
}

// Register adds a handler. Handlers are sorted by priority on each
// dispatch pass rather than at registration time, so registration order
// does not matter.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Handlers returns a snapshot of registered handlers, sorted by priority.
func (d *Dispatcher) Handlers() []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Handler, len(d.handlers))
	copy(out, d.handlers)
	sortByPriority(out)
	return out
}

func sortByPriority(hs []Handler) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j].Metadata().Priority < hs[j-1].Metadata().Priority; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}

// Run subscribes to the bus and dispatches events until ctx is cancelled.
// Callers should launch Run in its own goroutine (via internal/async.Go).
func (d *Dispatcher) Run(ctx context.Context) {
	ch := d.bus.Subscribe(ctx, event.Filter{})
	ticker := time.NewTicker(d.cfg.WatermarkFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flushWatermarks()
			return
		case e, ok := <-ch:
			if !ok {
				d.flushWatermarks()
				return
			}
			d.dispatch(ctx, e, false)
		case <-ticker.C:
			d.flushWatermarks()
		}
	}
}

// ReplayFromWatermark computes the minimum watermark across all registered
// handlers and replays everything after it, bounded by
// StartupMaxReplayEvents. Reactions produced during replay are discarded.
func (d *Dispatcher) ReplayFromWatermark(ctx context.Context) error {
	names := make([]string, 0)
	for _, h := range d.Handlers() {
		names = append(names, h.Metadata().Name)
	}
	min := d.j.MinWatermark(names)

	events, err := d.j.ReplaySince(ctx, min)
	if err != nil {
		return fmt.Errorf("replay since %d: %w", min, err)
	}
	if len(events) > d.cfg.StartupMaxReplayEvents {
		events = events[:d.cfg.StartupMaxReplayEvents]
	}
	for _, e := range events {
		d.dispatch(ctx, e, true)
	}
	d.flushWatermarks()
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e event.Event, replay bool) {
	if d.isDuplicate(e.Sequence) {
		return
	}
	if d.rateLimited() {
		atomic.AddInt64(&d.droppedRate, 1)
		eventsRateLimited.Inc()
		return
	}

	depth := d.chainDepthFor(e.Correlation())
	suppressReactions := depth > d.cfg.MaxChainDepth

	var wg sync.WaitGroup
	for _, h := range d.Handlers() {
		h := h
		meta := h.Metadata()

		if !meta.Filter.Matches(e) {
			d.j.SetWatermark(meta.Name, e.Sequence)
			continue
		}
		if replay && d.j.GetWatermark(meta.Name) >= e.Sequence {
			continue
		}

		cb := d.circuit.Get(meta.Name)
		if meta.ErrorStrategy == CircuitBreak {
			if err := cb.Allow(); err != nil {
				d.logger.Warn("handler %s skipped: circuit open", meta.Name)
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.invoke(ctx, h, meta, e, cb, replay, suppressReactions)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, meta Metadata, e event.Event, cb *errors.CircuitBreaker, replay, suppressReactions bool) {
	timeout := d.cfg.HandlerTimeout
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		reaction Reaction
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		r, err := h.Handle(hctx, e)
		resultCh <- result{r, err}
	}()

	select {
	case <-hctx.Done():
		handlerFailures.WithLabelValues(meta.Name).Inc()
		d.recordFailure(meta, e, cb, "handler timeout", 0)
	case res := <-resultCh:
		eventsDispatched.WithLabelValues(meta.Name).Inc()
		if res.err != nil {
			handlerFailures.WithLabelValues(meta.Name).Inc()
			d.recordFailure(meta, e, cb, res.err.Error(), 0)
			return
		}
		cb.Mark(nil)
		d.j.SetWatermark(meta.Name, e.Sequence)
		if suppressReactions || replay {
			return
		}
		for _, out := range res.reaction.Events {
			out = out.WithCorrelation(e.Correlation())
			if _, perr := d.bus.Publish(ctx, out); perr != nil {
				d.logger.Error("publish reaction from %s failed: %v", meta.Name, perr)
			}
		}
	}
}

func (d *Dispatcher) recordFailure(meta Metadata, e event.Event, cb *errors.CircuitBreaker, errMsg string, retryCount int) {
	if meta.ErrorStrategy == CircuitBreak {
		cb.Mark(fmt.Errorf("%s", errMsg))
	}
	tripped := cb.State() == errors.StateOpen
	d.j.AppendDeadLetter(journal.DeadLetterEntry{
		EventID:     e.ID,
		Sequence:    e.Sequence,
		HandlerName: meta.Name,
		Error:       errMsg,
		RetryCount:  retryCount,
		RecordedAt:  time.Now(),
	})
	d.logger.Error("handler %s failed on event %d: %s (circuit_breaker_tripped=%v)", meta.Name, e.Sequence, errMsg, tripped)
}

func (d *Dispatcher) isDuplicate(seq uint64) bool {
	if seq == 0 {
		return false
	}
	if _, ok := d.dedup.Get(seq); ok {
		return true
	}
	d.dedup.Add(seq, struct{}{})
	return false
}

func (d *Dispatcher) rateLimited() bool {
	d.rateMu.Lock()
	defer d.rateMu.Unlock()
	now := time.Now()
	if now.Sub(d.windowStart) >= time.Second {
		d.windowStart = now
		d.windowCount = 0
	}
	d.windowCount++
	return d.cfg.MaxEventsPerSecond > 0 && d.windowCount > d.cfg.MaxEventsPerSecond
}

func (d *Dispatcher) chainDepthFor(correlationID any) int {
	key := fmt.Sprintf("%v", correlationID)
	d.chainMu.Lock()
	defer d.chainMu.Unlock()
	d.chainDepth[key]++
	return d.chainDepth[key]
}

func (d *Dispatcher) flushWatermarks() {
	// Watermarks are already written through to the journal synchronously
	// in SetWatermark; this hook exists for the periodic/shutdown flush
	// points and is where a future batched-write store adapter would
	// coalesce writes.
	d.flushMu.Lock()
	d.lastFlush = time.Now()
	d.flushMu.Unlock()
}

// DroppedByRateLimit returns the count of events dropped by the rate
// limiter since startup.
func (d *Dispatcher) DroppedByRateLimit() int64 {
	return atomic.LoadInt64(&d.droppedRate)
}

// CircuitBreakers exposes the manager for startup state reload and metrics
// scraping.
func (d *Dispatcher) CircuitBreakers() *errors.CircuitBreakerManager {
	return d.circuit
}
