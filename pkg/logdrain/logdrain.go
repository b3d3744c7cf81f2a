// Package logdrain buffers log lines a running task's worker pushes over
// HTTP, keeping a bounded hot ring per task for live SSE tailing and a
// pending batch per task that periodically flushes to object storage.
//
// A single goroutine (run) owns the hot-ring and pending-batch maps
// outright. PushLogs feeds it new lines over a channel; GetLogs and
// FinishLogs are likewise requests sent over a channel and answered by
// run, rather than reads/writes against the maps from the calling
// goroutine — an HTTP finish-handler racing run's own map mutations
// would otherwise be a concurrent map access and a fatal crash. Each
// task's ring is capped at a fixed number of lines, and its pending
// batch flushes to object storage once it exceeds a small line count.
package logdrain

import (
	"context"
	"sync"

	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/metrics"
	"github.com/wobcom/vicky/pkg/objectstore"
)

// LogBuffer is how many trailing lines the hot ring keeps per task.
const LogBuffer = 10000

// flushThreshold is how many pending lines accumulate before a batch is
// flushed to the object store.
const flushThreshold = 16

type logLine struct {
	taskID string
	text   string
}

// getLogsReq asks run for the current hot-ring contents of a task.
type getLogsReq struct {
	taskID string
	resp   chan []string
}

// finishReq asks run to flush and drop a task's buffers.
type finishReq struct {
	ctx    context.Context
	taskID string
	resp   chan error
}

// Subscription receives every line pushed for any task; callers filter
// by task ID themselves against the single shared channel.
type Subscription struct {
	ch   chan logLine
	done chan struct{}
}

// Drain owns the hot ring and pending-batch buffers and the single
// goroutine that mutates them. All exported methods are safe to call
// from any goroutine.
type Drain struct {
	store objectstore.Store

	incoming  chan logLine
	getLogsCh chan getLogsReq
	finishCh  chan finishReq

	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}

	// live and pending are only ever touched by run(), which serializes
	// every read and write against them through incoming/getLogsCh/
	// finishCh; they carry no lock of their own.
	live    map[string][]string
	pending map[string][]string
}

// New creates a Drain backed by store and starts its writer goroutine.
func New(store objectstore.Store) *Drain {
	d := &Drain{
		store:       store,
		incoming:    make(chan logLine, 1000),
		getLogsCh:   make(chan getLogsReq),
		finishCh:    make(chan finishReq),
		subscribers: make(map[*Subscription]struct{}),
		live:        make(map[string][]string),
		pending:     make(map[string][]string),
	}
	go d.run()
	return d
}

func (d *Drain) run() {
	for {
		select {
		case line := <-d.incoming:
			d.appendLive(line)
			d.appendPending(line)
			d.broadcast(line)
		case req := <-d.getLogsCh:
			req.resp <- append([]string(nil), d.live[req.taskID]...)
		case req := <-d.finishCh:
			req.resp <- d.finishLogs(req.ctx, req.taskID)
		}
	}
}

func (d *Drain) appendLive(line logLine) {
	buf := d.live[line.taskID]
	buf = append(buf, line.text)
	if len(buf) > LogBuffer {
		buf = buf[len(buf)-LogBuffer:]
	}
	d.live[line.taskID] = buf
}

func (d *Drain) appendPending(line logLine) {
	buf := append(d.pending[line.taskID], line.text)
	d.pending[line.taskID] = buf
	metrics.LogLinesIngestedTotal.Inc()

	if len(buf) <= flushThreshold {
		return
	}

	logger := log.WithTaskID(line.taskID)
	if err := d.store.UploadLogParts(context.Background(), line.taskID, buf); err != nil {
		logger.Error().Err(err).Msg("flush pending log batch")
		return
	}
	metrics.LogBatchesFlushedTotal.Inc()
	d.pending[line.taskID] = nil
}

func (d *Drain) broadcast(line logLine) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for sub := range d.subscribers {
		select {
		case sub.ch <- line:
		case <-sub.done:
		default:
			// Slow subscriber; drop rather than block the single
			// writer goroutine.
		}
	}
}

// PushLogs enqueues lines for taskID on the writer goroutine's buffered
// channel. Once that buffer is full the send blocks, so a writer goroutine
// that is behind stalls the HTTP handler pushing logs until it catches up.
func (d *Drain) PushLogs(taskID string, lines []string) {
	for _, text := range lines {
		d.incoming <- logLine{taskID: taskID, text: text}
	}
}

// GetLogs returns the current hot-ring contents for taskID, or nil if no
// lines have been seen for it. The read happens inside run() itself, so
// it cannot race PushLogs's own writes to the same map.
func (d *Drain) GetLogs(taskID string) []string {
	resp := make(chan []string, 1)
	d.getLogsCh <- getLogsReq{taskID: taskID, resp: resp}
	return <-resp
}

// FinishLogs flushes any remaining pending batch for taskID to the
// object store and drops both of its buffers. Call this once a task
// transitions to FINISHED. The work happens inside run() itself, so it
// cannot race PushLogs's own writes to the same task's buffers.
func (d *Drain) FinishLogs(ctx context.Context, taskID string) error {
	resp := make(chan error, 1)
	d.finishCh <- finishReq{ctx: ctx, taskID: taskID, resp: resp}
	return <-resp
}

// finishLogs is the body of FinishLogs; it must only run on the run()
// goroutine, which already owns live and pending without contention.
func (d *Drain) finishLogs(ctx context.Context, taskID string) error {
	pending := d.pending[taskID]
	if len(pending) > 0 {
		if err := d.store.UploadLogParts(ctx, taskID, pending); err != nil {
			return err
		}
		metrics.LogBatchesFlushedTotal.Inc()
	}
	delete(d.pending, taskID)
	delete(d.live, taskID)
	return nil
}

// Subscribe registers a new Subscription receiving every pushed line.
// Call Unsubscribe when done to stop leaking the channel.
func (d *Drain) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan logLine, 256), done: make(chan struct{})}
	d.mu.Lock()
	d.subscribers[sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the broadcast set.
func (d *Drain) Unsubscribe(sub *Subscription) {
	d.mu.Lock()
	delete(d.subscribers, sub)
	d.mu.Unlock()
	close(sub.done)
}

// Lines returns sub's receive channel, which carries every task's lines
// unfiltered; filtering is the caller's job: check TaskID() on each value.
func (s *Subscription) Lines() <-chan logLine { return s.ch }

// TaskID reports which task a received line belongs to.
func (l logLine) TaskID() string { return l.taskID }

// Text reports a received line's text.
func (l logLine) Text() string { return l.text }
