package main

import (
	"database/sql"
	"net/http"
	"os"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmesh/taskmesh/cmd/automigrate/migrations"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

/*
	To add new migrations follow these steps:
	1. Create a .go file in the migrations folder named after the new schema version.
	2. Inside create a function which accepts *sql.DB as argument and returns an error.
		- The function name must be V<VERSION> (e.g. V1)
	3. Add the function to the migrationsList at the bottom of migrations.go.
	4. Done!
*/

var buildtime string

func setupLoggingMetricsHealthcheck() healthcheck.Handler {
	// Initialize zap logging
	_ = logger.New(os.Getenv("LOGGING_LEVEL"))

	zap.S().Infof("This is auto-migrate build date: %s", buildtime)

	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()

	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
	return health
}

func setupPostgres(health healthcheck.Handler) *sql.DB {
	// Postgres
	PQHost := os.Getenv("POSTGRES_HOST")
	PQPort := 5432
	PQUser := os.Getenv("POSTGRES_USER")
	PQPassword := os.Getenv("POSTGRES_PASSWORD")
	PWDBName := os.Getenv("POSTGRES_DATABASE")
	PQSSLMode := os.Getenv("POSTGRES_SSLMODE")
	if PQSSLMode == "" {
		PQSSLMode = "require"
	} else {
		zap.S().Warnf("Postgres SSL mode is set to %s", PQSSLMode)
	}

	return SetupDB(PQUser, PQPassword, PWDBName, PQHost, PQPort, health, PQSSLMode)
}

func main() {
	health := setupLoggingMetricsHealthcheck()
	db := setupPostgres(health)

	migrations.Migrate(db)

	ShutdownDB(db)
}
