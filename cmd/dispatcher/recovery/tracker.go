package recovery

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// Tracker remembers the last heartbeat per task with a TTL equal to the
// staleness threshold: a task is alive exactly as long as its entry has not
// expired yet.
type Tracker struct {
	beats *cache.Cache
}

func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{beats: cache.New(staleAfter, staleAfter)}
}

func beatKey(taskID int64) string {
	return strconv.FormatInt(taskID, 10)
}

func (t *Tracker) Record(hb datamodel.Heartbeat) {
	t.beats.SetDefault(beatKey(hb.TaskID), hb)
}

// Alive reports whether a heartbeat for the task arrived within the
// staleness threshold.
func (t *Tracker) Alive(taskID int64) bool {
	_, found := t.beats.Get(beatKey(taskID))
	return found
}

// Forget drops the heartbeat entry, used when a task reaches a terminal
// state so a late heartbeat cannot shield the next task with a reused id.
func (t *Tracker) Forget(taskID int64) {
	t.beats.Delete(beatKey(taskID))
}
