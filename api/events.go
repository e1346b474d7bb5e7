package api

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskbot-api/domain"
)

// The event publisher ships task lifecycle events to the events queue on a
// small worker pool so request latency does not pay for the queue round
// trip. Publishing is best effort: a failed publish is logged and never
// fails the request that produced it.

type publishJob struct {
	ownerID string
	events  []domain.TaskEvent
}

var (
	publisherOnce  sync.Once
	jobs           chan publishJob
	publishTimeout time.Duration
	handoffTimeout time.Duration
	bg             = context.Background()
	globalSink     EventSink
	globalLog      *log.Logger
	workerWG       sync.WaitGroup
)

func initEventPublisher(sink EventSink, logger *log.Logger) {
	publisherOnce.Do(func() {
		if sink == nil {
			panic("event sink is required")
		}
		if logger == nil {
			panic("logger is required")
		}
		globalSink = sink
		globalLog = logger

		workerCount := envInt("EVENT_WORKERS", 4)
		buf := envInt("EVENT_BUFFER", 1024)
		publishTimeout = envDur("EVENT_PUBLISH_TIMEOUT", 30*time.Second)
		handoffTimeout = envDur("EVENT_HANDOFF_TIMEOUT", 15*time.Millisecond)

		jobs = make(chan publishJob, buf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go publishWorker(i, jobs)
		}
		globalLog.Infof("event publisher started, workers: %d, buffer: %d", workerCount, buf)
	})
}

// Shutdown drains the event publisher. The process entry point calls it
// after the HTTP server has stopped accepting requests.
func Shutdown() {
	shutdownEventPublisher()
}

// shutdownEventPublisher stops the workers after draining queued jobs. It
// is called on process teardown and between tests.
func shutdownEventPublisher() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}
	workerWG.Wait()

	globalSink = nil
	globalLog = nil
	publishTimeout = 0
	handoffTimeout = 0
	publisherOnce = sync.Once{}
	workerWG = sync.WaitGroup{}
}

func publishWorker(id int, jobCh <-chan publishJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, publishTimeout)
		err := globalSink.EnqueueEvents(ctx, j.ownerID, j.events)
		cancel()
		if err != nil {
			globalLog.Errorf("event publish failed, err: %v, user: %s, count: %d, worker: %d", err, j.ownerID, len(j.events), id)
		}
	}
}

// publishTaskEvent hands a single lifecycle event to the pool, falling back
// to an inline publish when the pool buffer is saturated or not running.
func publishTaskEvent(ownerID string, ev domain.TaskEvent) {
	job := publishJob{ownerID: ownerID, events: []domain.TaskEvent{ev}}
	if tryEnqueueJob(job) {
		return
	}
	if globalSink == nil {
		return
	}
	if globalLog != nil {
		globalLog.Warn("event buffer saturated; publishing inline")
	}
	ctx, cancel := context.WithTimeout(bg, publishTimeout)
	defer cancel()
	if err := globalSink.EnqueueEvents(ctx, ownerID, job.events); err != nil && globalLog != nil {
		globalLog.Errorf("inline event publish failed, err: %v, user: %s", err, ownerID)
	}
}

func newTaskEvent(eventType string, task domain.Task) domain.TaskEvent {
	return domain.TaskEvent{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Type:      eventType,
		Title:     task.Title,
		Timestamp: nextTimestamp(),
	}
}

func tryEnqueueJob(job publishJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}

var lastTimestamp int64

// nextTimestamp returns strictly increasing unix-nano timestamps so events
// produced in one process never share a timestamp.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
