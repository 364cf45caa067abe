package migrations

import (
	"database/sql"

	"github.com/taskmesh/taskmesh/cmd/automigrate/database"
	"go.uber.org/zap"
)

func GetTx(db *sql.DB) *sql.Tx {
	tx, err := db.Begin()
	if err != nil {
		zap.S().Fatalf("Error while opening transaction: %v", err)
	}
	return tx
}

// V1 creates the dispatcher schema: executions, their graph and task-state
// blobs, the per-task records and the shared result cache.
func V1(db *sql.DB) error {
	exists, err := database.TableExists(db, "execution")
	if err != nil {
		return err
	}
	if exists {
		zap.S().Warnf("Execution table already exists, skipping schema creation")
		return nil
	}

	tx := GetTx(db)
	if err = createDispatcherTables(tx); err != nil {
		if errX := tx.Rollback(); errX != nil {
			zap.S().Errorf("Error while rolling back transaction: %v", errX)
		}
		return err
	}
	return tx.Commit()
}

func createDispatcherTables(tx *sql.Tx) error {
	creationCommand := `
	CREATE TABLE IF NOT EXISTS execution (
		id bigserial PRIMARY KEY,
		workflow_uid text NOT NULL,
		state int NOT NULL,
		created_at timestamptz NOT NULL,
		graph_id bigint NOT NULL DEFAULT 0,
		task_state_id bigint NOT NULL DEFAULT 0,
		error_task_id bigint,
		error_message text NOT NULL DEFAULT '',
		version bigint NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exec_graph (
		id bigserial PRIMARY KEY,
		execution_id bigint NOT NULL,
		blob bytea NOT NULL,
		version bigint NOT NULL
	);
	CREATE INDEX IF NOT EXISTS exec_graph_execution_idx ON exec_graph (execution_id);

	CREATE TABLE IF NOT EXISTS exec_task_state (
		id bigserial PRIMARY KEY,
		execution_id bigint NOT NULL,
		blob bytea NOT NULL,
		version bigint NOT NULL
	);
	CREATE INDEX IF NOT EXISTS exec_task_state_execution_idx ON exec_task_state (execution_id);

	CREATE TABLE IF NOT EXISTS task (
		id bigserial PRIMARY KEY,
		execution_id bigint NOT NULL,
		process_code text NOT NULL,
		ctx_id text NOT NULL,
		state int NOT NULL,
		function_ref text NOT NULL,
		tag text NOT NULL DEFAULT '',
		error_tolerant boolean NOT NULL DEFAULT false,
		cacheable boolean NOT NULL DEFAULT false,
		core_id text,
		assigned_at timestamptz,
		completed_at timestamptz,
		tries int NOT NULL DEFAULT 0,
		params bytea,
		cache_key text,
		result_ref text NOT NULL DEFAULT '',
		quota_released boolean NOT NULL DEFAULT false,
		version bigint NOT NULL
	);
	CREATE INDEX IF NOT EXISTS task_execution_idx ON task (execution_id);
	CREATE INDEX IF NOT EXISTS task_stale_idx ON task (state, assigned_at);

	CREATE TABLE IF NOT EXISTS cache_entry (
		key text PRIMARY KEY,
		digest text NOT NULL,
		length bigint NOT NULL,
		ref text NOT NULL,
		stored_at timestamptz NOT NULL
	);
	`
	_, err := tx.Exec(creationCommand)
	return err
}
