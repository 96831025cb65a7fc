package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID = int64(2026101601)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the audit tables. API and worker both call it on
// startup; the advisory lock serializes them.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL,
	app_model_config_id TEXT NOT NULL,
	model_provider TEXT NOT NULL,
	model_id TEXT NOT NULL,
	override_model_configs TEXT,
	mode TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	inputs JSONB NOT NULL DEFAULT '{}'::jsonb,
	introduction TEXT NOT NULL DEFAULT '',
	system_instruction TEXT NOT NULL DEFAULT '',
	system_instruction_tokens INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	from_source TEXT NOT NULL,
	from_end_user_id TEXT,
	from_account_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	model_provider TEXT NOT NULL,
	model_id TEXT NOT NULL,
	override_model_configs TEXT,
	inputs JSONB NOT NULL DEFAULT '{}'::jsonb,
	query TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	message_tokens INTEGER NOT NULL DEFAULT 0,
	message_unit_price NUMERIC(10, 4) NOT NULL DEFAULT 0,
	answer TEXT NOT NULL DEFAULT '',
	answer_tokens INTEGER NOT NULL DEFAULT 0,
	answer_unit_price NUMERIC(10, 4) NOT NULL DEFAULT 0,
	provider_response_latency DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_price NUMERIC(10, 7) NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	from_source TEXT NOT NULL,
	from_end_user_id TEXT,
	from_account_id TEXT,
	agent_based BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS message_chains (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id),
	type TEXT NOT NULL,
	input TEXT,
	output TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS message_agent_thoughts (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id),
	message_chain_id TEXT NOT NULL REFERENCES message_chains(id),
	position INTEGER NOT NULL,
	thought TEXT,
	tool TEXT,
	tool_input TEXT,
	observation TEXT,
	tool_process_data TEXT,
	message TEXT,
	message_token INTEGER,
	message_unit_price NUMERIC,
	answer TEXT,
	answer_token INTEGER,
	answer_unit_price NUMERIC,
	tokens INTEGER,
	total_price NUMERIC,
	currency TEXT,
	latency DOUBLE PRECISION,
	created_by_role TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS dataset_queries (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL,
	source_app_id TEXT,
	created_by_role TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_app_id ON conversations(app_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_message_chains_message_id ON message_chains(message_id);
CREATE INDEX IF NOT EXISTS idx_message_agent_thoughts_chain ON message_agent_thoughts(message_chain_id, position);
CREATE INDEX IF NOT EXISTS idx_dataset_queries_dataset_id ON dataset_queries(dataset_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
