package services

import (
	"context"
	"sync"

	"github.com/Lllllllleong/fiscalsubmission/internal/models"
)

// Reporter receives the stage events of a run. OnStage is called from the run's
// goroutine, never concurrently for the same run.
type Reporter interface {
	OnStage(models.StageEvent)
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(models.StageEvent)

func (f ReporterFunc) OnStage(e models.StageEvent) { f(e) }

var discard = ReporterFunc(func(models.StageEvent) {})

// EventStream turns the callbacks of one run into a finite channel of events.
// The producer calls Close once the run returns; the consumer ranges over Events.
type EventStream struct {
	ctx    context.Context
	events chan models.StageEvent
	once   sync.Once
}

// NewEventStream returns a stream with the given buffer. Events sent after ctx ends
// are dropped so an abandoned consumer cannot block the run.
func NewEventStream(ctx context.Context, buffer int) *EventStream {
	return &EventStream{
		ctx:    ctx,
		events: make(chan models.StageEvent, buffer),
	}
}

func (s *EventStream) OnStage(e models.StageEvent) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// Events returns the receive side of the stream.
func (s *EventStream) Events() <-chan models.StageEvent {
	return s.events
}

// Close ends the stream. It is safe to call more than once.
func (s *EventStream) Close() {
	s.once.Do(func() { close(s.events) })
}
