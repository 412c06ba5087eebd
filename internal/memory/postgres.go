package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS npc_nodes (
	npc_id          TEXT PRIMARY KEY,
	work_efficiency DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	morale          DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	created_at_ms   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	memory_id        TEXT PRIMARY KEY,
	npc_id           TEXT NOT NULL REFERENCES npc_nodes(npc_id),
	event_type       TEXT NOT NULL,
	description      TEXT NOT NULL,
	player_action    TEXT,
	wisdom_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_trauma_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at_ms    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_npc_time ON memories (npc_id, created_at_ms DESC);

CREATE TABLE IF NOT EXISTS confidence_edges (
	npc_id          TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	decay_rate      DOUBLE PRECISION NOT NULL DEFAULT 0.1,
	last_updated_ms BIGINT NOT NULL,
	PRIMARY KEY (npc_id, entity_id)
);
`

// PostgresBackend stores the memory graph in Postgres. Sessions share the
// underlying sql.DB connection pool; the SessionPool above bounds how many
// are in flight.
type PostgresBackend struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresBackend opens the database and ensures the schema exists.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	b := &PostgresBackend{
		db:     db,
		logger: log.New(log.Writer(), "[MemoryBackend] ", log.LstdFlags),
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	b.logger.Printf("Schema ready")
	return b, nil
}

func (b *PostgresBackend) OpenSession(ctx context.Context) (Session, error) {
	// Verify liveness before handing the session out so a dead backend is
	// caught at acquisition time, not mid-operation.
	if err := b.db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &pgSession{db: b.db}, nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

type pgSession struct {
	db *sql.DB
}

func (s *pgSession) Exec(ctx context.Context, query string, params ...interface{}) error {
	_, err := s.db.ExecContext(ctx, query, params...)
	return err
}

func (s *pgSession) Query(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if bs, ok := vals[i].([]byte); ok {
				row[c] = string(bs)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *pgSession) Close() error { return nil }
