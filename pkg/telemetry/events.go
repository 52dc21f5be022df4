package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification: a build picked or fetched, a session
// opened or closed, an action rejected.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	// Source is the emitting component: resolver, artifact or controller.
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	// Build is thor-<platform>-<commit>.
	Build   string         `json:"build,omitempty"`
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

const (
	EventTypeBuildResolved   = "build.resolved"
	EventTypeBuildDownloaded = "build.downloaded"
	EventTypeSessionStarted  = "session.started"
	EventTypeSessionClosed   = "session.closed"
	EventTypeActionFailed    = "action.failed"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives delivered events. With async delivery it runs on
// the publisher goroutine.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers, either inside Publish or
// from a buffered background goroutine.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  context.CancelFunc
	done  <-chan struct{}
	wg    sync.WaitGroup
}

// NewEventPublisher returns a publisher; a disabled one accepts and drops
// everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = cancel
	ep.done = ctx.Done()

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Publish stamps the event and delivers or enqueues it. A full queue drops
// the event with an error rather than blocking the controller.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	select {
	case <-ep.done:
		return errPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) PublishBuildResolved(build string, forced bool) error {
	return ep.Publish(Event{
		Type:    EventTypeBuildResolved,
		Source:  "resolver",
		Build:   build,
		Message: "Selected build " + build,
		Level:   EventLevelInfo,
		Data:    map[string]any{"forced": forced},
	})
}

func (ep *EventPublisher) PublishBuildDownloaded(build string, took time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeBuildDownloaded,
		Source:  "artifact",
		Build:   build,
		Message: fmt.Sprintf("Build %s is available locally", build),
		Level:   EventLevelInfo,
		Data:    map[string]any{"duration": took.Seconds()},
	})
}

func (ep *EventPublisher) PublishSessionStarted(sessionID, build string) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionStarted,
		Source:    "controller",
		SessionID: sessionID,
		Build:     build,
		Message:   fmt.Sprintf("Session %s started", sessionID),
		Level:     EventLevelInfo,
	})
}

func (ep *EventPublisher) PublishSessionClosed(sessionID string, steps int, took time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSessionClosed,
		Source:    "controller",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s closed after %d steps", sessionID, steps),
		Level:     EventLevelInfo,
		Data:      map[string]any{"steps": steps, "duration": took.Seconds()},
	})
}

// PublishActionFailed reports an action answered with lastActionSuccess=false.
func (ep *EventPublisher) PublishActionFailed(sessionID, action, errorCode, errorMessage string) error {
	return ep.Publish(Event{
		Type:      EventTypeActionFailed,
		Source:    "controller",
		SessionID: sessionID,
		Message:   fmt.Sprintf("Action %s failed: %s", action, errorCode),
		Level:     EventLevelWarning,
		Data: map[string]any{
			"action":        action,
			"error_code":    errorCode,
			"error_message": errorMessage,
		},
	})
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// run delivers queued events in batches of up to MaxBatchSize and drains
// the queue on shutdown.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			batch = append(batch, e)
			for len(batch) < ep.config.MaxBatchSize && len(ep.queue) > 0 {
				batch = append(batch, <-ep.queue)
			}
			flush()
		case <-ep.done:
			for len(ep.queue) > 0 {
				batch = append(batch, <-ep.queue)
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits, bounded by ctx, for queued
// ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.stop()

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterBySessionID accepts events of one session.
func FilterBySessionID(sessionID string) EventFilter {
	return func(e Event) bool { return e.SessionID == sessionID }
}
