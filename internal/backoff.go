package internal

import (
	"math/rand"
	"time"
)

const int64Max = 1<<63 - 1

// GetBackoffTime returns a randomized exponential backoff for the given retry
// count, capped at maximum. Used by the report-inbox loop and the recovery
// supervisor when repository writes keep conflicting.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()

	if slotTime <= 0 || retries <= 0 {
		return time.Duration(0)
	}

	// pick n uniformly from [0, 2^retries)
	umax := uint64(1) << retries
	if umax > int64Max || umax == 0 {
		return maximum
	}
	n := rand.Int63n(int64(umax))

	u64Time := uint64(slotTime.Nanoseconds()) * uint64(n)
	if u64Time > int64Max {
		return maximum
	}

	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

func SleepBackedOff(retries int64, slotTime time.Duration, maximum time.Duration) {
	time.Sleep(GetBackoffTime(retries, slotTime, maximum))
}
