package helper

import (
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
)

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitTestLogging() {
	_ = logger.New("DEVELOPMENT")
}

// StringToPtr you probably don't need this outside of tests
func StringToPtr(val string) *string {
	return &val
}

func Int64ToPtr(val int64) *int64 {
	return &val
}

func TimeToPtr(val time.Time) *time.Time {
	return &val
}
