// Package persistence is the append-only event log the engine writes every
// task transition to, and the replay that rebuilds state from it.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/coordinator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// TaskStore is the durable event log. Append must not return until the
// record is durable.
type TaskStore interface {
	Append(ctx context.Context, rec Record) (int64, error)

	// AppendAll appends records atomically: all of them or none.
	AppendAll(ctx context.Context, recs []Record) error

	// Events returns records with Seq > afterSeq in order.
	Events(ctx context.Context, afterSeq int64) ([]Record, error)

	// LoadOpenTasks replays the log and returns the non-terminal tasks.
	LoadOpenTasks(ctx context.Context) ([]*scheduler.Task, error)

	// LoadAgents replays the log and returns the registered agents.
	LoadAgents(ctx context.Context) ([]coordinator.Agent, error)

	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements TaskStore on database/sql, for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open returns the store selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "memory":
		return NewMemoryStore(ctx)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewSQLiteStore opens (creating if needed) a SQLite event log at dbPath in
// WAL mode.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer plus one reader.
	db.SetMaxOpenConns(2)

	return newSQLStore(ctx, db, dialectSQLite)
}

// NewMemoryStore creates a private in-memory SQLite log, mainly for tests.
// Each call gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// Shared-cache connections lock whole tables; a single connection
	// avoids SQLITE_LOCKED between reader and writer.
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, dialectSQLite)
}

// NewPostgresStore connects to Postgres using lib/pq.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return newSQLStore(ctx, db, dialectPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	store := &SQLStore{db: db, dialect: d}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for the store's dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const insertRecord = `
	INSERT INTO task_events (kind, task_id, agent_id, from_status, to_status, reason, attempt, payload, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING seq`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) insert(ctx context.Context, q queryRower, rec Record) (int64, error) {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	var seq int64
	err := q.QueryRowContext(ctx, s.rebind(insertRecord),
		string(rec.Kind), rec.TaskID, rec.AgentID, rec.From, rec.To, rec.Reason, rec.Attempt,
		payload, at.UTC().Format(time.RFC3339Nano),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append %s record: %w", rec.Kind, err)
	}
	return seq, nil
}

// Append writes one record and returns its sequence number.
func (s *SQLStore) Append(ctx context.Context, rec Record) (int64, error) {
	return s.insert(ctx, s.db, rec)
}

// AppendAll writes recs in a single transaction.
func (s *SQLStore) AppendAll(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := s.insert(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Events returns the records after afterSeq.
func (s *SQLStore) Events(ctx context.Context, afterSeq int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, kind, task_id, agent_id, from_status, to_status, reason, attempt, payload, recorded_at
		FROM task_events
		WHERE seq > ?
		ORDER BY seq`), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			kind       string
			payload    sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.TaskID, &rec.AgentID, &rec.From, &rec.To,
			&rec.Reason, &rec.Attempt, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Kind = Kind(kind)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		rec.At, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad timestamp %q: %w", rec.Seq, recordedAt, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return records, nil
}

// Load replays the whole log.
func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	records, err := s.Events(ctx, 0)
	if err != nil {
		return nil, err
	}
	return Replay(records)
}

// LoadOpenTasks returns the tasks that have not reached a terminal status.
func (s *SQLStore) LoadOpenTasks(ctx context.Context) ([]*scheduler.Task, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return state.OpenTasks(), nil
}

// LoadAgents returns the agents that were registered and not removed.
func (s *SQLStore) LoadAgents(ctx context.Context) ([]coordinator.Agent, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return state.AgentList(), nil
}
