package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beeker1121/goque"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/internal"
)

var inboxDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dispatcher_report_inbox_depth",
	Help: "Worker reports waiting in the durable inbox",
})

// Inbox is the durable entry point for worker result reports. Reports are
// appended to a disk-backed priority queue and applied by a single process
// loop, so a dispatcher restart loses no acknowledged report and the engine
// sees one report at a time per process. Retryable apply failures re-enqueue
// the report one priority level down, deferring it behind fresh reports.
type Inbox struct {
	queue    *goque.PriorityQueue
	engine   *Engine
	shutdown bool
}

func NewInbox(queuePath string, engine *Engine) (*Inbox, error) {
	queue, err := goque.OpenPriorityQueue(queuePath, goque.ASC)
	if err != nil {
		return nil, fmt.Errorf("failed to open report inbox at %s: %w", queuePath, err)
	}
	return &Inbox{queue: queue, engine: engine}, nil
}

// Enqueue persists one report. Returning nil acknowledges the report to the
// transport; it will eventually be applied.
func (i *Inbox) Enqueue(result *shared.TaskResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for task %d: %w", result.TaskID, err)
	}
	if _, err := i.queue.Enqueue(0, raw); err != nil {
		return fmt.Errorf("failed to enqueue result for task %d: %w", result.TaskID, err)
	}
	inboxDepthGauge.Set(float64(i.queue.Length()))
	return nil
}

func (i *Inbox) Setup() {
	go i.process()
	go i.reportLength()
}

func (i *Inbox) Shutdown() error {
	i.shutdown = true
	return i.queue.Close()
}

func (i *Inbox) reportLength() {
	for !i.shutdown {
		time.Sleep(internal.TenSeconds)
		if length := i.queue.Length(); length > 0 {
			zap.S().Debugf("Report inbox length: %d", length)
		}
	}
}

func (i *Inbox) process() {
	loopsWithError := int64(0)
	for !i.shutdown {
		items := i.dequeueBatch()
		if len(items) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		hadError := false
		for _, item := range items {
			if i.applyItem(item) {
				hadError = true
			}
		}
		inboxDepthGauge.Set(float64(i.queue.Length()))

		if hadError {
			loopsWithError++
		} else {
			loopsWithError = 0
		}
		internal.SleepBackedOff(loopsWithError, 10*time.Millisecond, internal.OneSecond)
	}
}

// applyItem applies one dequeued report and reports whether it failed
// retryably. Undecodable payloads and permanent errors are dropped, they
// would fail the same way forever.
func (i *Inbox) applyItem(item *goque.PriorityItem) (faulty bool) {
	var result shared.TaskResult
	if err := json.Unmarshal(item.Value, &result); err != nil {
		zap.S().Errorf("Dropping undecodable report from inbox: %s", err)
		return false
	}

	err := i.engine.ApplyResult(context.Background(), &result)
	if err == nil {
		return false
	}
	if errors.Is(err, shared.ErrConflict) || errors.Is(err, shared.ErrLocked) {
		i.requeue(item, &result)
		return true
	}
	zap.S().Errorf("Dropping report for task %d after permanent apply failure: %s", result.TaskID, err)
	return false
}

func (i *Inbox) requeue(item *goque.PriorityItem, result *shared.TaskResult) {
	prio := item.Priority
	if prio < 254 {
		prio++
	}
	if _, err := i.queue.Enqueue(prio, item.Value); err != nil {
		zap.S().Errorf("Failed to re-enqueue report for task %d: %s", result.TaskID, err)
	}
}

// dequeueBatch drains every queued item of the current lowest priority, the
// same way the handler loops of the ingestion services batch their work.
func (i *Inbox) dequeueBatch() (items []*goque.PriorityItem) {
	if i.queue.Length() == 0 {
		return nil
	}
	item, err := i.queue.Dequeue()
	if err != nil {
		return nil
	}
	items = append(items, item)
	for {
		next, err := i.queue.DequeueByPriority(item.Priority)
		if err != nil {
			break
		}
		items = append(items, next)
	}
	return items
}
