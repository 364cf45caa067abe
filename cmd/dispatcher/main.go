package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/events"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/helper"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/producer"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/quota"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/recovery"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/scheduler"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/state"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/taskcache"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/transport"
	"github.com/taskmesh/taskmesh/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	InitPrometheus()
	internal.Initfgtrace()

	repo := initRepository()
	locks := execsync.GetOrInit()
	ledger := quota.GetOrInit()
	publisher := events.GetOrInit()

	graphCacheSize, err := env.GetAsInt("GRAPH_CACHE_SIZE", false, 128)
	if err != nil {
		zap.S().Fatalf("Failed to get GRAPH_CACHE_SIZE from env: %s", err)
	}
	graphs, err := graph.NewStore(repo, locks, graphCacheSize)
	if err != nil {
		zap.S().Fatalf("Failed to set up graph store: %s", err)
	}

	prod := producer.NewProducer(repo, graphs)
	sched := scheduler.New(repo, graphs, locks, ledger)
	cache := taskcache.NewIndex(initCacheBacking(repo), 32*1024*1024)

	maxTries, err := env.GetAsInt("TASK_MAX_TRIES", false, 3)
	if err != nil {
		zap.S().Fatalf("Failed to get TASK_MAX_TRIES from env: %s", err)
	}
	engine := state.New(repo, graphs, locks, ledger, sched, cache, publisher, maxTries)

	inboxPath, err := env.GetAsString("REPORT_INBOX_PATH", false, "/data/reportinbox")
	if err != nil {
		zap.S().Fatalf("Failed to get REPORT_INBOX_PATH from env: %s", err)
	}
	inbox, err := state.NewInbox(inboxPath, engine)
	if err != nil {
		zap.S().Fatalf("Failed to open report inbox at %s: %s", inboxPath, err)
	}
	inbox.Setup()

	staleAfterSeconds, err := env.GetAsInt("TASK_STALE_AFTER_SECONDS", false, 90)
	if err != nil {
		zap.S().Fatalf("Failed to get TASK_STALE_AFTER_SECONDS from env: %s", err)
	}
	sweepIntervalSeconds, err := env.GetAsInt("RECOVERY_SWEEP_INTERVAL_SECONDS", false, 30)
	if err != nil {
		zap.S().Fatalf("Failed to get RECOVERY_SWEEP_INTERVAL_SECONDS from env: %s", err)
	}
	staleAfter := time.Duration(staleAfterSeconds) * time.Second
	tracker := recovery.NewTracker(staleAfter)
	supervisor := recovery.NewSupervisor(repo, engine, tracker, time.Duration(sweepIntervalSeconds)*time.Second, staleAfter)
	supervisor.Setup()

	health := InitHealthCheck()
	initMQTT(repo, engine, tracker, health)

	listenAddress, err := env.GetAsString("API_LISTEN_ADDRESS", false, ":8080")
	if err != nil {
		zap.S().Fatalf("Failed to get API_LISTEN_ADDRESS from env: %s", err)
	}
	transport.NewAPI(repo, prod, sched, engine, inbox, tracker).Setup(listenAddress)

	shutdown := internal.NewGracefulShutdown(func() error {
		supervisor.Shutdown()
		publisher.Shutdown()
		transport.ShutdownMQTT()
		return inbox.Shutdown()
	})
	go runDispatchLoop(repo, sched, engine, shutdown)

	awaitShutdown(shutdown)
}

// runDispatchLoop periodically refreshes the ready queues and resolves
// pending cache checks for every live execution. Most transitions are
// driven directly by incoming reports; this loop only catches up after
// restarts and races.
func runDispatchLoop(repo repository.Repository, sched *scheduler.Scheduler, engine *state.Engine, shutdown internal.GracefulShutdownHandler) {
	var loopsWithError int64
	for !shutdown.ShuttingDown() {
		time.Sleep(internal.OneSecond)
		ctx, cncl := context.WithTimeout(context.Background(), internal.OneMinute)
		ids, err := repo.ListExecutionIDs(ctx)
		if err != nil {
			cncl()
			zap.S().Warnf("Failed to list executions: %s", err)
			loopsWithError++
			internal.SleepBackedOff(loopsWithError, internal.OneSecond, internal.OneMinute)
			continue
		}
		for _, id := range ids {
			if _, err := sched.FindReadyTasks(ctx, id); err != nil {
				zap.S().Warnf("Failed to refresh ready tasks for execution %d: %s", id, err)
			}
			if err := engine.ResolveCacheChecks(ctx, id); err != nil {
				zap.S().Warnf("Failed to resolve cache checks for execution %d: %s", id, err)
			}
		}
		cncl()
		loopsWithError = 0
	}
}

func initRepository() repository.Repository {
	backend, err := env.GetAsString("STORAGE_BACKEND", false, "postgres")
	if err != nil {
		zap.S().Fatalf("Failed to get STORAGE_BACKEND from env: %s", err)
	}
	switch backend {
	case "postgres":
		return repository.GetOrInit()
	case "memory":
		zap.S().Warnf("Using in-memory storage, state will not survive restarts")
		return repository.NewMemory()
	default:
		zap.S().Fatalf("Unknown STORAGE_BACKEND %s (expected postgres or memory)", backend)
		return nil
	}
}

// initCacheBacking prefers redis when configured so multiple dispatcher
// replicas share one result cache; otherwise cache entries live next to
// the rest of the state in the repository.
func initCacheBacking(repo repository.Repository) repository.CacheBackingStore {
	address, _ := env.GetAsString("REDIS_ADDRESS", false, "") //nolint:errcheck
	if address != "" {
		return taskcache.GetOrInitRedis()
	}
	backing, ok := repo.(repository.CacheBackingStore)
	if !ok {
		zap.S().Fatalf("Repository does not support cache entries and REDIS_ADDRESS is not set")
	}
	return backing
}

func initMQTT(repo repository.Repository, engine *state.Engine, tracker *recovery.Tracker, health healthcheck.Handler) {
	brokerURL, _ := env.GetAsString("MQTT_BROKER_URL", false, "") //nolint:errcheck
	if brokerURL == "" {
		zap.S().Infof("MQTT_BROKER_URL not set, heartbeat listener disabled")
		return
	}
	clientID, err := env.GetAsString("MQTT_CLIENT_ID", false, "taskmesh-dispatcher")
	if err != nil {
		zap.S().Fatalf("Failed to get MQTT_CLIENT_ID from env: %s", err)
	}
	transport.SetupHeartbeatListener(brokerURL, clientID, repo, engine, tracker, health)
}

func awaitShutdown(shutdown internal.GracefulShutdownHandler) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigs
	zap.S().Infof("Received SIG %v", sig)

	shutdown.Shutdown()
	shutdown.Wait()
	os.Exit(0)
}

func InitPrometheus() {
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
}

func InitHealthCheck() healthcheck.Handler {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))

	backend, _ := env.GetAsString("STORAGE_BACKEND", false, "postgres") //nolint:errcheck
	if backend == "postgres" {
		health.AddReadinessCheck("database", repository.GetHealthCheck())
		health.AddLivenessCheck("database", repository.GetHealthCheck())
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
	return health
}
