package internal

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func Test_GetBackoffTime_Bounds(t *testing.T) {
	for i := int64(0); i < 64; i++ {
		backOff := GetBackoffTime(i, time.Microsecond, time.Second)
		if backOff < 0 || backOff > time.Second {
			t.Fatalf("retries %d: backoff %s outside [0, 1s]", i, backOff)
		}
	}
}

func Test_GetBackoffTime_ZeroCases(t *testing.T) {
	assert.Equal(t, time.Duration(0), GetBackoffTime(0, time.Millisecond, time.Second))
	assert.Equal(t, time.Duration(0), GetBackoffTime(5, 0, time.Second))
	assert.Equal(t, time.Duration(0), GetBackoffTime(-1, time.Millisecond, time.Second))
}

func Test_GetBackoffTime_Converges(t *testing.T) {
	// with a large enough retry count the cap must be hit eventually
	var hitCap bool
	for i := int64(0); i < 40; i++ {
		if GetBackoffTime(i, time.Millisecond, 10*time.Millisecond) == 10*time.Millisecond {
			hitCap = true
			break
		}
	}
	if !hitCap {
		t.Fatal("backoff never reached the configured maximum")
	}
}
