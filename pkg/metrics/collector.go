package metrics

import (
	"context"
	"time"

	"github.com/wobcom/vicky/pkg/types"
)

// TaskLister is the minimal read-only surface the collector needs to poll
// task counts by status; storage.Store satisfies it directly.
type TaskLister interface {
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
}

// Collector periodically samples task counts by status into
// TasksActiveGauge. It is intentionally the only background polling loop
// on the server side — everything else in Vicky (claim, finish, confirm)
// is request-driven, so there is no node/service inventory to sample;
// task-status counts are the one gauge that can't be updated
// incrementally without risking double-counting across concurrent
// Submit/Claim/Finish calls.
type Collector struct {
	lister TaskLister
	stopCh chan struct{}
}

// NewCollector creates a metrics collector bound to a task lister.
func NewCollector(lister TaskLister) *Collector {
	return &Collector{
		lister: lister,
		stopCh: make(chan struct{}),
	}
}

// Start begins the collection loop on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, status := range []types.TaskStatus{
		types.TaskNeedsUserValidation,
		types.TaskNew,
		types.TaskRunning,
		types.TaskFinished,
	} {
		s := status
		tasks, err := c.lister.ListTasks(ctx, types.TaskFilter{Status: &s})
		if err != nil {
			continue
		}
		TasksActiveGauge.WithLabelValues(string(status)).Set(float64(len(tasks)))
	}
}
