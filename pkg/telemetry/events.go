package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the scheduler.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// UnitID is the epic or sprint the event concerns, if any.
	UnitID string `json:"unit_id,omitempty"`

	// WorkerID is the worker slot involved, if any.
	WorkerID string `json:"worker_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTransitionAccepted = "transition.accepted"
	EventTypeTransitionRejected = "transition.rejected"
	EventTypeUnitParked         = "unit.parked"
	EventTypeGateCompleted      = "gate.completed"
	EventTypePlanLoaded         = "plan.loaded"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. It implements
// engine.TransitionPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTransition publishes one lifecycle transition attempt. Delivery
// errors are dropped; the transition log in the store is authoritative.
func (ep *EventPublisher) PublishTransition(_ context.Context, unitID, from, to, trigger string, accepted bool, reason string) {
	event := Event{
		Type:    EventTypeTransitionAccepted,
		Source:  "statemachine",
		UnitID:  unitID,
		Message: fmt.Sprintf("Unit %s moved from %s to %s", unitID, from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from":    from,
			"to":      to,
			"trigger": trigger,
		},
	}
	if !accepted {
		event.Type = EventTypeTransitionRejected
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Unit %s refused %s -> %s: %s", unitID, from, to, reason)
		event.Data["reason"] = reason
	}
	if to == "parked" && accepted {
		event.Type = EventTypeUnitParked
		event.Data["reason"] = reason
	}
	_ = ep.Publish(event)
}

// PublishGateCompleted publishes the outcome of a single gate.
func (ep *EventPublisher) PublishGateCompleted(unitID, gate, kind, outcome string, duration time.Duration) error {
	level := EventLevelInfo
	if outcome == "fail" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeGateCompleted,
		Source:  "gates",
		UnitID:  unitID,
		Message: fmt.Sprintf("Gate %s (%s) for %s: %s", gate, kind, unitID, outcome),
		Level:   level,
		Data: map[string]interface{}{
			"gate":     gate,
			"kind":     kind,
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPlanLoaded publishes a summary of a plan load.
func (ep *EventPublisher) PublishPlanLoaded(created, updated, layers int) error {
	return ep.Publish(Event{
		Type:    EventTypePlanLoaded,
		Source:  "coordinator",
		Message: fmt.Sprintf("Plan loaded: %d created, %d updated, %d layers", created, updated, layers),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"created": created,
			"updated": updated,
			"layers":  layers,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush when the batch is full or nothing else is waiting
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByUnitID creates a filter that only allows events for a specific unit.
func FilterByUnitID(unitID string) EventFilter {
	return func(event Event) bool {
		return event.UnitID == unitID
	}
}
