package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/internal"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// Postgres is the production Repository. Optimistic writes are single
// UPDATE ... WHERE version=$n statements; zero affected rows on an existing
// row means a lost race and surfaces as shared.ErrConflict.
type Postgres struct {
	db *pgxpool.Pool
}

var pgConn *Postgres
var pgOnce sync.Once

// GetOrInit connects to postgres using the POSTGRES_* environment variables
// and panics via Fatalf when the database is unreachable, matching the
// startup behavior of the rest of the service.
func GetOrInit() *Postgres {
	pgOnce.Do(func() {
		zap.S().Debugf("Setting up postgres repository")
		PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
		}
		PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
		}
		PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
		}
		PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
		}
		PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
		}
		PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
		}

		zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

		conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

		connectCtx, connectCncl := context.WithTimeout(context.Background(), internal.FiveSeconds)
		defer connectCncl()
		db, err := pgxpool.New(connectCtx, conString)
		if err != nil {
			zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
		}

		pgConn = &Postgres{db: db}
		if !pgConn.IsAvailable() {
			zap.S().Fatalf("Database is not available !")
		}
	})
	return pgConn
}

func (p *Postgres) IsAvailable() bool {
	ctx, cncl := context.WithTimeout(context.Background(), internal.FiveSeconds)
	defer cncl()
	return p.db.Ping(ctx) == nil
}

func GetHealthCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().IsAvailable() {
			return nil
		}
		return errors.New("postgres not available")
	}
}

// classify wraps driver errors; serialization failures behave like version
// conflicts so callers retry from a fresh load.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	if e := pgerror.SerializationFailure(err); e != nil {
		return shared.ErrConflict
	}
	if e := pgerror.UniqueViolation(err); e != nil {
		return shared.ErrConflict
	}
	return err
}

func (p *Postgres) CreateExecution(ctx context.Context, execution *datamodel.Execution) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO execution (workflow_uid, state, created_at, graph_id, task_state_id, version)
		 VALUES ($1, $2, $3, $4, $5, 1) RETURNING id`,
		execution.WorkflowUID, int(execution.State), execution.CreatedAt, execution.GraphID, execution.TaskStateID).
		Scan(&execution.ID)
	if err != nil {
		return classify(err)
	}
	execution.Version = 1
	return nil
}

func (p *Postgres) LoadExecution(ctx context.Context, id int64) (*datamodel.Execution, error) {
	var e datamodel.Execution
	var state int
	err := p.db.QueryRow(ctx,
		`SELECT id, workflow_uid, state, created_at, graph_id, task_state_id, error_task_id, error_message, version
		 FROM execution WHERE id = $1`, id).
		Scan(&e.ID, &e.WorkflowUID, &state, &e.CreatedAt, &e.GraphID, &e.TaskStateID, &e.ErrorTaskID, &e.ErrorMessage, &e.Version)
	if err != nil {
		return nil, classify(err)
	}
	e.State = datamodel.ExecutionState(state)
	return &e, nil
}

func (p *Postgres) SaveExecution(ctx context.Context, execution *datamodel.Execution) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE execution SET state = $1, graph_id = $2, task_state_id = $3, error_task_id = $4, error_message = $5, version = version + 1
		 WHERE id = $6 AND version = $7`,
		int(execution.State), execution.GraphID, execution.TaskStateID, execution.ErrorTaskID, execution.ErrorMessage,
		execution.ID, execution.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return p.conflictOrMissing(ctx, `SELECT count(1) FROM execution WHERE id = $1`, execution.ID)
	}
	execution.Version++
	return nil
}

func (p *Postgres) DeleteExecution(ctx context.Context, id int64) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM execution WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListExecutionIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM execution`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func (p *Postgres) CreateGraph(ctx context.Context, executionID int64, blob []byte) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx,
		`INSERT INTO exec_graph (execution_id, blob, version) VALUES ($1, $2, 1) RETURNING id`,
		executionID, blob).Scan(&id)
	return id, classify(err)
}

func (p *Postgres) LoadGraph(ctx context.Context, id int64) (*GraphRecord, error) {
	var g GraphRecord
	err := p.db.QueryRow(ctx,
		`SELECT id, execution_id, blob, version FROM exec_graph WHERE id = $1`, id).
		Scan(&g.ID, &g.ExecutionID, &g.Blob, &g.Version)
	if err != nil {
		return nil, classify(err)
	}
	return &g, nil
}

func (p *Postgres) SaveGraph(ctx context.Context, record *GraphRecord) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE exec_graph SET blob = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		record.Blob, record.ID, record.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return p.conflictOrMissing(ctx, `SELECT count(1) FROM exec_graph WHERE id = $1`, record.ID)
	}
	record.Version++
	return nil
}

func (p *Postgres) CreateTaskState(ctx context.Context, executionID int64, blob []byte) (int64, error) {
	var id int64
	err := p.db.QueryRow(ctx,
		`INSERT INTO exec_task_state (execution_id, blob, version) VALUES ($1, $2, 1) RETURNING id`,
		executionID, blob).Scan(&id)
	return id, classify(err)
}

func (p *Postgres) LoadTaskState(ctx context.Context, id int64) (*TaskStateRecord, error) {
	var s TaskStateRecord
	err := p.db.QueryRow(ctx,
		`SELECT id, execution_id, blob, version FROM exec_task_state WHERE id = $1`, id).
		Scan(&s.ID, &s.ExecutionID, &s.Blob, &s.Version)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}

func (p *Postgres) SaveTaskState(ctx context.Context, record *TaskStateRecord) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE exec_task_state SET blob = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		record.Blob, record.ID, record.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return p.conflictOrMissing(ctx, `SELECT count(1) FROM exec_task_state WHERE id = $1`, record.ID)
	}
	record.Version++
	return nil
}

func (p *Postgres) CreateTasks(ctx context.Context, tasks []*datamodel.TaskRecord) error {
	txn, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		_ = txn.Rollback(ctx)
	}()
	for _, t := range tasks {
		err = txn.QueryRow(ctx,
			`INSERT INTO task (execution_id, process_code, ctx_id, state, function_ref, tag, error_tolerant, cacheable, tries, params, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1) RETURNING id`,
			t.ExecutionID, t.ProcessCode, t.ContextID, int(t.State), t.FunctionRef, t.Tag, t.ErrorTolerant, t.Cacheable, t.Tries, t.Params).
			Scan(&t.TaskID)
		if err != nil {
			return classify(err)
		}
		t.Version = 1
	}
	return classify(txn.Commit(ctx))
}

const taskColumns = `id, execution_id, process_code, ctx_id, state, function_ref, tag, error_tolerant, cacheable,
	core_id, assigned_at, completed_at, tries, params, cache_key, result_ref, quota_released, version`

func scanTask(row pgx.Row) (*datamodel.TaskRecord, error) {
	var t datamodel.TaskRecord
	var state int
	err := row.Scan(&t.TaskID, &t.ExecutionID, &t.ProcessCode, &t.ContextID, &state, &t.FunctionRef, &t.Tag,
		&t.ErrorTolerant, &t.Cacheable, &t.CoreID, &t.AssignedAt, &t.CompletedAt, &t.Tries, &t.Params,
		&t.CacheKey, &t.ResultRef, &t.QuotaReleased, &t.Version)
	if err != nil {
		return nil, classify(err)
	}
	t.State = datamodel.TaskExecState(state)
	return &t, nil
}

func (p *Postgres) LoadTask(ctx context.Context, taskID int64) (*datamodel.TaskRecord, error) {
	return scanTask(p.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM task WHERE id = $1`, taskID))
}

func (p *Postgres) SaveTask(ctx context.Context, task *datamodel.TaskRecord) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE task SET state = $1, core_id = $2, assigned_at = $3, completed_at = $4, tries = $5,
		 cache_key = $6, result_ref = $7, quota_released = $8, version = version + 1
		 WHERE id = $9 AND version = $10`,
		int(task.State), task.CoreID, task.AssignedAt, task.CompletedAt, task.Tries,
		task.CacheKey, task.ResultRef, task.QuotaReleased, task.TaskID, task.Version)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return p.conflictOrMissing(ctx, `SELECT count(1) FROM task WHERE id = $1`, task.TaskID)
	}
	task.Version++
	return nil
}

func (p *Postgres) TasksByExecution(ctx context.Context, executionID int64) ([]*datamodel.TaskRecord, error) {
	rows, err := p.db.Query(ctx, `SELECT `+taskColumns+` FROM task WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*datamodel.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) DeleteTasksByExecution(ctx context.Context, executionID int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM task WHERE execution_id = $1`, executionID)
	return classify(err)
}

func (p *Postgres) StaleAssigned(ctx context.Context, cutoff time.Time) ([]*datamodel.TaskRecord, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+taskColumns+` FROM task WHERE state IN ($1, $2) AND assigned_at < $3`,
		int(datamodel.TaskStateAssigned), int(datamodel.TaskStateInProgress), cutoff)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*datamodel.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) OrphanTaskExecutions(ctx context.Context) ([]int64, error) {
	rows, err := p.db.Query(ctx,
		`SELECT DISTINCT t.execution_id FROM task t LEFT JOIN execution e ON e.id = t.execution_id WHERE e.id IS NULL`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		out = append(out, id)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) LoadCacheEntry(ctx context.Context, key string) (*datamodel.CacheEntry, error) {
	var e datamodel.CacheEntry
	err := p.db.QueryRow(ctx,
		`SELECT key, digest, length, ref, stored_at FROM cache_entry WHERE key = $1`, key).
		Scan(&e.Key, &e.Digest, &e.Length, &e.Ref, &e.StoredAt)
	if err != nil {
		return nil, classify(err)
	}
	return &e, nil
}

func (p *Postgres) PutCacheEntryIfAbsent(ctx context.Context, entry *datamodel.CacheEntry) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`INSERT INTO cache_entry (key, digest, length, ref, stored_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		entry.Key, entry.Digest, entry.Length, entry.Ref, entry.StoredAt)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

// conflictOrMissing disambiguates a zero-row optimistic update.
func (p *Postgres) conflictOrMissing(ctx context.Context, countQuery string, id int64) error {
	checkCtx, cncl := context.WithTimeout(ctx, time.Second)
	defer cncl()
	var n int
	if err := p.db.QueryRow(checkCtx, countQuery, id).Scan(&n); err != nil {
		return classify(err)
	}
	if n == 0 {
		return shared.ErrNotFound
	}
	return shared.ErrConflict
}
