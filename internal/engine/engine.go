// Package engine wires the bus, fact store, timer service, rule registry,
// temporal detectors, and audit pipeline behind a single-goroutine
// dispatcher. One top-level stimulus is processed to its cascade fixed
// point before the next starts, which gives deterministic ordering of
// derived events without intra-engine locking.
package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/reflexhq/reflex/internal/audit"
	"github.com/reflexhq/reflex/internal/bus"
	"github.com/reflexhq/reflex/internal/errors"
	"github.com/reflexhq/reflex/internal/facts"
	"github.com/reflexhq/reflex/internal/metrics"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/rules"
	"github.com/reflexhq/reflex/internal/storage"
	"github.com/reflexhq/reflex/internal/temporal"
	"github.com/reflexhq/reflex/internal/timers"
)

// EventSink observes every processed event, e.g. a webhook fanout. Sinks
// must not block: delivery happens on the dispatcher goroutine.
type EventSink interface {
	Deliver(event model.Event)
}

// Config tunes an engine instance.
type Config struct {
	// Source labels audit entries produced by the engine itself.
	Source string
	// MaxCascadeDepth bounds stimuli processed per dispatch transaction.
	MaxCascadeDepth int
	// QueueSize is the top-level stimulus channel capacity.
	QueueSize int
	// Adapter enables rule snapshots and audit persistence when set.
	Adapter  storage.Adapter
	ServerID string
	// Audit overrides the audit log tuning; Adapter and ServerID above are
	// filled in when unset.
	Audit audit.Config
	// MaxTraceEntries sizes the trace ring; DefaultMaxTraceEntries when 0.
	TraceEntries int
}

const (
	DefaultMaxCascadeDepth = 64
	DefaultQueueSize       = 1024
	DefaultSource          = "engine"
)

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.MaxCascadeDepth <= 0 {
		c.MaxCascadeDepth = DefaultMaxCascadeDepth
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Audit.Adapter == nil {
		c.Audit.Adapter = c.Adapter
	}
	if c.Audit.ServerID == "" {
		c.Audit.ServerID = c.ServerID
	}
	return c
}

type engineStats struct {
	eventsProcessed      atomic.Uint64
	rulesExecuted        atomic.Uint64
	rulesSkipped         atomic.Uint64
	rulesFailed          atomic.Uint64
	actionFailures       atomic.Uint64
	cascadeDepthExceeded atomic.Uint64
}

// Stats is a point-in-time snapshot of engine counters and table sizes.
type Stats struct {
	EventsProcessed      uint64 `json:"eventsProcessed"`
	RulesExecuted        uint64 `json:"rulesExecuted"`
	RulesSkipped         uint64 `json:"rulesSkipped"`
	RulesFailed          uint64 `json:"rulesFailed"`
	ActionFailures       uint64 `json:"actionFailures"`
	CascadeDepthExceeded uint64 `json:"cascadeDepthExceeded"`
	Rules                int    `json:"rules"`
	Facts                int    `json:"facts"`
	ActiveTimers         int    `json:"activeTimers"`
	AuditEntries         int    `json:"auditEntries"`
}

// Engine is the reactive rule engine facade.
type Engine struct {
	cfg Config

	bus      *bus.Bus
	facts    *facts.Store
	timers   *timers.Service
	registry *rules.Registry
	audit    *audit.Log
	trace    *audit.TraceCollector
	services *serviceRegistry

	snapshotter *rules.Snapshotter

	detectorMu sync.Mutex
	detectors  map[string]temporal.Detector

	sinkMu sync.RWMutex
	sinks  []EventSink

	stimCh chan stimulus
	quit   chan struct{}
	wg     sync.WaitGroup

	stateMu sync.RWMutex
	started bool
	stopped bool

	runCtx    context.Context
	runCancel context.CancelFunc

	stats engineStats
}

// New builds an engine. Call Start before emitting.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		bus:       bus.New(),
		facts:     facts.NewStore(),
		registry:  rules.NewRegistry(),
		audit:     audit.NewLog(cfg.Audit),
		trace:     audit.NewTraceCollector(cfg.TraceEntries),
		services:  newServiceRegistry(),
		detectors: make(map[string]temporal.Detector),
		stimCh:    make(chan stimulus, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
	e.timers = timers.NewService(e.onTimerFire)
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	if cfg.Adapter != nil {
		e.snapshotter = rules.NewSnapshotter(cfg.Adapter, "", cfg.ServerID)
	}
	e.audit.Subscribe(func(audit.Entry) { metrics.AuditEntries.Inc() })
	return e
}

// Start launches the dispatcher and the audit flush loop. Idempotent.
func (e *Engine) Start() {
	e.stateMu.Lock()
	if e.started {
		e.stateMu.Unlock()
		return
	}
	e.started = true
	e.stateMu.Unlock()

	e.audit.Start()
	e.wg.Add(1)
	go e.dispatchLoop()

	e.audit.Record(audit.TypeEngineStarted, nil, audit.Options{Source: e.cfg.Source})
	log.Info().Str("source", e.cfg.Source).Msg("Engine started")
}

// Stop rejects new stimuli, drains the queue, cancels timers, stops the
// detectors, and flushes the audit log. Idempotent.
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	if e.stopped || !e.started {
		e.stateMu.Unlock()
		return nil
	}
	e.stopped = true
	e.stateMu.Unlock()

	close(e.quit)
	e.wg.Wait()

	e.timers.Stop()
	e.detectorMu.Lock()
	for _, d := range e.detectors {
		d.Stop()
	}
	e.detectorMu.Unlock()
	e.runCancel()

	e.audit.Record(audit.TypeEngineStopped, nil, audit.Options{Source: e.cfg.Source})
	err := e.audit.Stop()
	log.Info().Msg("Engine stopped")
	return err
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case s := <-e.stimCh:
			e.runTransaction(s)
		case <-e.quit:
			// Drain whatever was queued before the stop.
			for {
				select {
				case s := <-e.stimCh:
					e.runTransaction(s)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) enqueue(s stimulus) error {
	e.stateMu.RLock()
	running := e.started && !e.stopped
	e.stateMu.RUnlock()
	if !running {
		return errors.New(errors.KindValidation, "enqueue", errors.ErrEngineStopped)
	}
	select {
	case e.stimCh <- s:
		return nil
	case <-e.quit:
		return errors.New(errors.KindValidation, "enqueue", errors.ErrEngineStopped)
	}
}

// Emit publishes an event as a new top-level stimulus. An empty
// correlation id starts a chain keyed by the event id.
func (e *Engine) Emit(topic string, data map[string]interface{}) (model.Event, error) {
	return e.EmitCorrelated(topic, data, "")
}

// EmitCorrelated publishes an event that joins (or starts) an explicit
// correlation chain.
func (e *Engine) EmitCorrelated(topic string, data map[string]interface{}, correlationID string) (model.Event, error) {
	event := model.NewEvent(topic, model.CloneMap(data), "external")
	if correlationID == "" {
		correlationID = event.ID
	}
	event.CorrelationID = correlationID
	err := e.enqueue(stimulus{kind: stimEvent, event: event, correlationID: correlationID})
	return event, err
}

// EmitAndWait publishes an event and blocks until its entire cascade has
// been processed. Used by embedders and tests that need settled state.
func (e *Engine) EmitAndWait(topic string, data map[string]interface{}) (model.Event, error) {
	event := model.NewEvent(topic, model.CloneMap(data), "external")
	event.CorrelationID = event.ID
	done := make(chan struct{})
	if err := e.enqueue(stimulus{kind: stimEvent, event: event, correlationID: event.ID, done: done}); err != nil {
		return event, err
	}
	<-done
	return event, nil
}

// SetFact schedules a fact mutation on the dispatcher.
func (e *Engine) SetFact(key string, value interface{}) error {
	return e.enqueue(stimulus{
		kind: stimSetFact, factKey: key, factValue: model.CloneValue(value),
		correlationID: uuid.NewString(),
	})
}

// SetFactAndWait sets a fact and blocks until the resulting cascade has
// been processed.
func (e *Engine) SetFactAndWait(key string, value interface{}) error {
	done := make(chan struct{})
	err := e.enqueue(stimulus{
		kind: stimSetFact, factKey: key, factValue: model.CloneValue(value),
		correlationID: uuid.NewString(), done: done,
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// DeleteFact schedules a fact deletion; deleting an absent key is silent.
func (e *Engine) DeleteFact(key string) error {
	return e.enqueue(stimulus{kind: stimDeleteFact, factKey: key, correlationID: uuid.NewString()})
}

// GetFact reads a fact value.
func (e *Engine) GetFact(key string) (interface{}, bool) {
	return e.facts.Get(key)
}

// MatchFacts returns facts whose keys match the pattern.
func (e *Engine) MatchFacts(pattern string) []model.Fact {
	return e.facts.Match(pattern)
}

// Subscribe attaches an external handler to a topic pattern. Handlers run
// on the dispatcher goroutine and must not block.
func (e *Engine) Subscribe(topicPattern string, handler bus.Handler) string {
	return e.bus.Subscribe(topicPattern, handler)
}

// Unsubscribe removes a bus subscription.
func (e *Engine) Unsubscribe(id string) {
	e.bus.Unsubscribe(id)
}

// AddSink attaches an event sink, e.g. the webhook fanout.
func (e *Engine) AddSink(sink EventSink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, sink)
}

func (e *Engine) deliverSinks(event model.Event) {
	e.sinkMu.RLock()
	sinks := append([]EventSink(nil), e.sinks...)
	e.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.Deliver(event.Clone())
	}
}

// RegisterService makes a named service callable from call_service actions.
func (e *Engine) RegisterService(name string, fn ServiceFunc) {
	e.services.register(name, fn)
}

// CancelTimer cancels a named timer from outside the rule system.
func (e *Engine) CancelTimer(name string) bool {
	cancelled := e.timers.Cancel(name)
	if cancelled {
		e.audit.Record(audit.TypeTimerCancelled, map[string]interface{}{
			"timer": name, "cancelled": true,
		}, audit.Options{Source: e.cfg.Source})
	}
	return cancelled
}

// ActiveTimers lists the names of scheduled timers.
func (e *Engine) ActiveTimers() []string {
	return e.timers.Active()
}

// Audit exposes the audit log for queries, exports, and subscriptions.
func (e *Engine) Audit() *audit.Log {
	return e.audit
}

// Trace exposes the trace collector.
func (e *Engine) Trace() *audit.TraceCollector {
	return e.trace
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EventsProcessed:      e.stats.eventsProcessed.Load(),
		RulesExecuted:        e.stats.rulesExecuted.Load(),
		RulesSkipped:         e.stats.rulesSkipped.Load(),
		RulesFailed:          e.stats.rulesFailed.Load(),
		ActionFailures:       e.stats.actionFailures.Load(),
		CascadeDepthExceeded: e.stats.cascadeDepthExceeded.Load(),
		Rules:                e.registry.Len(),
		Facts:                e.facts.Len(),
		ActiveTimers:         e.timers.Len(),
		AuditEntries:         e.audit.Len(),
	}
}

func (e *Engine) onTimerFire(name string, onExpire model.EventTemplate, correlationID string, iteration int) {
	err := e.enqueue(stimulus{
		kind:          stimTimer,
		timerName:     name,
		timerTemplate: onExpire,
		iteration:     iteration,
		correlationID: correlationID,
	})
	if err != nil && !stderrors.Is(err, errors.ErrEngineStopped) {
		log.Warn().Err(err).Str("timer", name).Msg("Dropped timer fire")
	}
}

// onTemporalFiring may run on the dispatcher goroutine itself (detectors
// observe during dispatch), so it must not block on a full queue.
func (e *Engine) onTemporalFiring(f temporal.Firing) {
	e.stateMu.RLock()
	running := e.started && !e.stopped
	e.stateMu.RUnlock()
	if !running {
		return
	}
	select {
	case e.stimCh <- stimulus{kind: stimTemporal, firing: f, correlationID: f.CorrelationID}:
	default:
		log.Warn().Str("rule", f.RuleID).Msg("Stimulus queue full, dropped temporal firing")
	}
}

func (e *Engine) observeDetectors(event model.Event) {
	e.detectorMu.Lock()
	detectors := make([]temporal.Detector, 0, len(e.detectors))
	for _, d := range e.detectors {
		detectors = append(detectors, d)
	}
	e.detectorMu.Unlock()
	for _, d := range detectors {
		d.Observe(event)
	}
}
