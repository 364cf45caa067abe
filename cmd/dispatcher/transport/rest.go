package transport

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rung/go-safecast"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/producer"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/recovery"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/scheduler"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/state"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// API is the worker-facing and operator-facing HTTP surface of the
// dispatcher. It stays thin: every request is translated into one call on
// the scheduling core and the result mapped back onto status codes.
type API struct {
	repo      repository.Repository
	producer  *producer.Producer
	scheduler *scheduler.Scheduler
	engine    *state.Engine
	inbox     *state.Inbox
	tracker   *recovery.Tracker
}

func NewAPI(repo repository.Repository, prod *producer.Producer, sched *scheduler.Scheduler, engine *state.Engine, inbox *state.Inbox, tracker *recovery.Tracker) *API {
	return &API{
		repo:      repo,
		producer:  prod,
		scheduler: sched,
		engine:    engine,
		inbox:     inbox,
		tracker:   tracker,
	}
}

// Router builds the gin engine. Exposed separately from Setup so tests can
// drive it with httptest.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/core/:coreId/poll", a.pollHandler)
		v1.POST("/core/:coreId/heartbeat", a.heartbeatHandler)
		v1.POST("/task/:taskId/result", a.resultHandler)
		v1.POST("/execution", a.submitHandler)
		v1.GET("/execution/:id", a.statusHandler)
		v1.POST("/execution/:id/stop", a.stopHandler)
		v1.DELETE("/execution/:id", a.deleteHandler)
	}
	return router
}

func (a *API) Setup(listenAddress string) {
	router := a.Router()
	go func() {
		if err := router.Run(listenAddress); err != nil {
			zap.S().Fatalf("Failed to serve REST API on %s: %s", listenAddress, err)
		}
	}()
}

type pollRequest struct {
	Tags []string `json:"tags"`
}

type pollResponse struct {
	SessionID string               `json:"sessionId"`
	Task      *shared.AssignedTask `json:"task,omitempty"`
}

func (a *API) pollHandler(c *gin.Context) {
	coreID := c.Param("coreId")
	var request pollRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assigned, err := a.scheduler.AssignNext(c.Request.Context(), coreID, request.Tags)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, pollResponse{SessionID: uuid.NewString(), Task: assigned})
}

func (a *API) heartbeatHandler(c *gin.Context) {
	coreID := c.Param("coreId")
	var hb datamodel.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hb.CoreID = coreID
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now()
	}

	a.tracker.Record(hb)
	// first heartbeat confirms the core started working on the task
	if err := a.engine.MarkInProgress(c.Request.Context(), heartbeatExecutionID(c, a, hb.TaskID), hb.TaskID); err != nil {
		zap.S().Debugf("Heartbeat for task %d could not confirm start: %s", hb.TaskID, err)
	}
	c.Status(http.StatusOK)
}

// heartbeatExecutionID resolves the execution owning the heartbeat's task;
// 0 when unknown, MarkInProgress then no-ops.
func heartbeatExecutionID(c *gin.Context, a *API, taskID int64) int64 {
	task, err := a.repo.LoadTask(c.Request.Context(), taskID)
	if err != nil {
		return 0
	}
	return task.ExecutionID
}

func (a *API) resultHandler(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("taskId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	var result shared.TaskResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result.TaskID = taskID

	// enqueueing is the acknowledgement; the report survives a restart and
	// is applied asynchronously
	if err := a.inbox.Enqueue(&result); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

type submitRequest struct {
	Definition datamodel.WorkflowDefinition `json:"definition"`
}

func (a *API) submitHandler(c *gin.Context) {
	var request submitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	execution := &datamodel.Execution{
		WorkflowUID: request.Definition.UID,
		CreatedAt:   time.Now(),
	}
	if err := a.repo.CreateExecution(c.Request.Context(), execution); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.producer.Produce(c.Request.Context(), execution, &request.Definition); err != nil {
		if errors.Is(err, producer.ErrInvalidDefinition) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "executionId": execution.ID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"executionId": execution.ID, "state": execution.State.String()})
}

type taskStatus struct {
	TaskID      int64  `json:"taskId"`
	ProcessCode string `json:"processCode"`
	ContextID   string `json:"ctxId"`
	State       string `json:"state"`
	Tries       int    `json:"tries"`
}

type hostCapacity struct {
	Cores           int32   `json:"cores"`
	MemoryTotalMB   uint64  `json:"memoryTotalMb"`
	MemoryUsedRatio float64 `json:"memoryUsedRatio"`
}

type statusResponse struct {
	ExecutionID    int64        `json:"executionId"`
	WorkflowUID    string       `json:"workflowUid"`
	State          string       `json:"state"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	Tasks          []taskStatus `json:"tasks"`
	DurationMeanMs float64      `json:"durationMeanMs"`
	DurationStdMs  float64      `json:"durationStdMs"`
	Host           hostCapacity `json:"host"`
}

func (a *API) statusHandler(c *gin.Context) {
	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}

	execution, err := a.repo.LoadExecution(c.Request.Context(), executionID)
	if errors.Is(err, shared.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	tasks, err := a.repo.TasksByExecution(c.Request.Context(), executionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := statusResponse{
		ExecutionID:  execution.ID,
		WorkflowUID:  execution.WorkflowUID,
		State:        execution.State.String(),
		ErrorMessage: execution.ErrorMessage,
		Host:         readHostCapacity(),
	}

	var durations []float64
	for _, task := range tasks {
		response.Tasks = append(response.Tasks, taskStatus{
			TaskID:      task.TaskID,
			ProcessCode: task.ProcessCode,
			ContextID:   task.ContextID,
			State:       task.State.String(),
			Tries:       task.Tries,
		})
		if task.AssignedAt != nil && task.CompletedAt != nil {
			durations = append(durations, float64(task.CompletedAt.Sub(*task.AssignedAt).Milliseconds()))
		}
	}
	if len(durations) > 0 {
		response.DurationMeanMs = stat.Mean(durations, nil)
		response.DurationStdMs = stat.StdDev(durations, nil)
	}

	c.JSON(http.StatusOK, response)
}

func readHostCapacity() hostCapacity {
	capacity := hostCapacity{}
	if counts, err := cpu.Counts(true); err == nil {
		if cores, err := safecast.Int32(counts); err == nil {
			capacity.Cores = cores
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		capacity.MemoryTotalMB = vm.Total / 1024 / 1024
		capacity.MemoryUsedRatio = vm.UsedPercent / 100
	}
	return capacity
}

func (a *API) stopHandler(c *gin.Context) {
	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}

	if err := a.engine.StopExecution(c.Request.Context(), executionID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (a *API) deleteHandler(c *gin.Context) {
	executionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return
	}

	if err := a.repo.DeleteExecution(c.Request.Context(), executionID); err != nil && !errors.Is(err, shared.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := a.repo.DeleteTasksByExecution(c.Request.Context(), executionID); err != nil {
		zap.S().Warnf("Failed to delete tasks of execution %d: %s", executionID, err)
	}
	a.scheduler.DropExecution(executionID)
	c.Status(http.StatusNoContent)
}
