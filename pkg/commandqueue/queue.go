package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneCleared is returned to tasks dropped by ClearLane or RemoveLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("command queue closed")
)

// Task is a unit of work run in a lane.
type Task func(ctx context.Context) error

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan error
}

// laneState holds the FIFO of one lane. At most one task runs at a time.
type laneState struct {
	queue   []*taskRecord
	running *taskRecord
	mu      sync.Mutex
}

// LaneStats is a point-in-time view of a lane.
type LaneStats struct {
	Queued  int
	Running bool
}

// CommandQueue serializes tasks per lane. Lanes run independently of each other.
type CommandQueue struct {
	lanes  map[string]*laneState
	seq    int
	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	logger zerolog.Logger
}

// New creates an empty CommandQueue. Lanes are created on first use.
func New(logger *zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	l := log.Logger
	if logger != nil {
		l = *logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: l,
	}
}

// Enqueue appends task to lane and blocks until it has run. If ctx ends while
// the task is still queued, it is dropped and ctx.Err() is returned; a task
// that already started receives the cancellation through its own context.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return ErrQueueClosed
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	cq.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}
	cq.mu.Unlock()

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().Str("lane", lane).Str("taskId", record.id).Int("queueSize", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	cq.processLane(lane, ls)

	select {
	case err := <-record.result:
		tracing.RecordError(span, err)
		return err
	case <-ctx.Done():
		if cq.dequeue(ls, record) {
			logger.Debug().Str("lane", lane).Str("taskId", record.id).Msg("Queued task abandoned")
			return ctx.Err()
		}
		err := <-record.result
		tracing.RecordError(span, err)
		return err
	}
}

// dequeue removes record if it has not started yet.
func (cq *CommandQueue) dequeue(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane starts the head of the lane if nothing is running.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running != nil || len(ls.queue) == 0 {
		return
	}
	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = record

	cq.wg.Add(1)
	go cq.executeTask(lane, ls, record)
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)
	wait := time.Since(record.enqueuedAt)
	startTime := time.Now()
	err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running = nil
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- err

	if err != nil {
		tracing.RecordError(span, err)
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("wait", wait).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane, ls)
}

// Stats returns the state of lane.
func (cq *CommandQueue) Stats(lane string) LaneStats {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	cq.mu.Unlock()
	if !ok {
		return LaneStats{}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return LaneStats{Queued: len(ls.queue), Running: ls.running != nil}
}

// ClearLane rejects every queued task of lane with ErrLaneCleared. The
// running task, if any, is left alone.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	cq.mu.Unlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- ErrLaneCleared
	}
	if len(dropped) > 0 {
		cq.logger.Debug().Str("lane", lane).Int("cleared", len(dropped)).Msg("Lane cleared")
	}
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// RemoveLane clears lane and forgets it.
func (cq *CommandQueue) RemoveLane(lane string) {
	cq.ClearLane(lane)

	cq.mu.Lock()
	delete(cq.lanes, lane)
	cq.mu.Unlock()
	observability.ForgetLane(lane)
}

// WaitForActive waits for running tasks in every lane to finish.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	for _, lane := range lanes {
		cq.ClearLane(lane)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
