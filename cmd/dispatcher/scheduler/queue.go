package scheduler

// readyQueue is a FIFO of schedulable task ids for one execution. Push
// deduplicates, so a task surfacing from multiple readiness computations is
// queued once. Not safe for concurrent use, the Scheduler serializes access.
type readyQueue struct {
	ids    []int64
	queued map[int64]bool
}

func newReadyQueue() *readyQueue {
	return &readyQueue{queued: make(map[int64]bool)}
}

func (q *readyQueue) push(taskID int64) bool {
	if q.queued[taskID] {
		return false
	}
	q.queued[taskID] = true
	q.ids = append(q.ids, taskID)
	return true
}

func (q *readyQueue) remove(taskID int64) {
	if !q.queued[taskID] {
		return
	}
	delete(q.queued, taskID)
	for i, id := range q.ids {
		if id == taskID {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
}

// snapshot returns the queued ids in FIFO order.
func (q *readyQueue) snapshot() []int64 {
	return append([]int64(nil), q.ids...)
}

func (q *readyQueue) len() int {
	return len(q.ids)
}
