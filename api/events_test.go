package api

import (
	"context"
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"

	"taskbot-api/domain"
)

type failingSink struct{ calls chan struct{} }

func (f *failingSink) EnqueueEvents(context.Context, string, []domain.TaskEvent) error {
	f.calls <- struct{}{}
	return errors.New("queue down")
}

func TestPublishTaskEventDelivers(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	sink := &mockSink{}
	initEventPublisher(sink, log.New())

	task := domain.Task{ID: "t1", Title: "Buy milk"}
	publishTaskEvent("42", newTaskEvent(domain.TaskCreated, task))
	publishTaskEvent("42", newTaskEvent(domain.TaskCompleted, task))

	events := waitForEvents(t, sink, 2)
	if events[0].TaskID != "t1" || events[1].TaskID != "t1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].ID == events[1].ID {
		t.Fatal("event ids must be unique")
	}
}

func TestPublishTaskEventWithoutPublisherIsNoop(t *testing.T) {
	shutdownEventPublisher()
	t.Cleanup(resetEventPublisherForTests)

	// must not panic or block
	publishTaskEvent("42", newTaskEvent(domain.TaskDeleted, domain.Task{ID: "t1"}))
}

func TestPublishTaskEventSurvivesSinkFailure(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	sink := &failingSink{calls: make(chan struct{}, 1)}
	logger := log.New()
	initEventPublisher(sink, logger)

	publishTaskEvent("42", newTaskEvent(domain.TaskCreated, domain.Task{ID: "t1"}))
	<-sink.calls
}

func TestInitEventPublisherRunsOnce(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	first := &mockSink{}
	second := &mockSink{}
	logger := log.New()
	initEventPublisher(first, logger)
	initEventPublisher(second, logger)

	publishTaskEvent("42", newTaskEvent(domain.TaskCreated, domain.Task{ID: "t1"}))
	waitForEvents(t, first, 1)
	if len(second.Events()) != 0 {
		t.Fatal("second init must be ignored")
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	sink := &mockSink{}
	initEventPublisher(sink, log.New())

	for i := 0; i < 10; i++ {
		publishTaskEvent("42", newTaskEvent(domain.TaskCreated, domain.Task{ID: "t1"}))
	}
	shutdownEventPublisher()

	if got := len(sink.Events()); got != 10 {
		t.Fatalf("expected all 10 events delivered before shutdown returned, got %d", got)
	}
}

func TestNewTaskEventFields(t *testing.T) {
	task := domain.Task{ID: "t1", Title: "Buy milk"}
	ev := newTaskEvent(domain.TaskReopened, task)
	if ev.ID == "" {
		t.Fatal("expected generated event id")
	}
	if ev.TaskID != "t1" || ev.Title != "Buy milk" || ev.Type != domain.TaskReopened {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp <= 0 {
		t.Fatal("expected positive timestamp")
	}
}

func TestNextTimestampMonotonic(t *testing.T) {
	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		next := nextTimestamp()
		if next <= prev {
			t.Fatalf("timestamps must strictly increase: %d then %d", prev, next)
		}
		prev = next
	}
}

func TestTryEnqueueJobFullBufferFallsBack(t *testing.T) {
	resetEventPublisherForTests()
	t.Cleanup(resetEventPublisherForTests)

	// no workers draining: a full buffer with handoff disabled must fail fast
	jobs = make(chan publishJob, 1)
	handoffTimeout = 0
	jobs <- publishJob{ownerID: "42"}

	if tryEnqueueJob(publishJob{ownerID: "42"}) {
		t.Fatal("expected enqueue to fail on a saturated buffer")
	}
	close(jobs)
	jobs = nil
}
