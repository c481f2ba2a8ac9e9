// Package sqlite is the durable store.Store backend (spec.md C1): a
// single-writer, WAL-mode SQLite database reached through jmoiron/sqlx,
// with a separate read-only connection pool for concurrent reads. Grounded
// on the teacher's internal/db.OpenSQLite/OpenSQLiteReader connection
// tuning and internal/task/repository/sqlite's writer/reader Repository
// split, adapted from the teacher's workspace/board/task domain to
// Mission Control's task/comment/deliverable/activity/session model.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

const defaultBusyTimeoutMs = 5000

// defaultReaderConns is the number of concurrent read connections WAL mode
// can serve alongside the single writer.
const defaultReaderConns = 4

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every query
// method below run unmodified whether or not it is inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

// conn implements store.Tx against whatever execer it wraps.
type conn struct {
	x execer
}

var _ store.Tx = (*conn)(nil)

// Store is the sqlite-backed store.Store.
type Store struct {
	db *sqlx.DB // single writer connection
	ro *sqlx.DB // read-only pool
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at dbPath,
// configures WAL mode and a single writer connection plus a read-only
// reader pool, and initializes the schema.
func Open(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if normalized != ":memory:" {
		if err := ensureDir(normalized); err != nil {
			return nil, fmt.Errorf("sqlite: prepare database path: %w", err)
		}
		if err := ensureFile(normalized); err != nil {
			return nil, fmt.Errorf("sqlite: create database file: %w", err)
		}
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized, defaultBusyTimeoutMs,
	)
	db, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized, defaultBusyTimeoutMs,
	)
	ro, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open reader pool: %w", err)
	}
	ro.SetMaxOpenConns(defaultReaderConns)
	ro.SetMaxIdleConns(defaultReaderConns)

	s := &Store{db: db, ro: ro}
	if err := s.initSchema(); err != nil {
		db.Close()
		ro.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	roErr := s.ro.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return roErr
}

// Transaction runs fn inside a real SQLite transaction on the single
// writer connection, serializing it against every other write the same
// way a single writer connection always would.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}

	if err := fn(ctx, &conn{x: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) writer() *conn { return &conn{x: s.db} }
func (s *Store) reader() *conn { return &conn{x: s.ro} }

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.reader().GetTask(ctx, id)
}
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	return s.writer().CreateTask(ctx, task)
}
func (s *Store) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	return s.writer().UpdateTask(ctx, id, patch)
}
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.writer().DeleteTask(ctx, id)
}
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.reader().ListTasks(ctx, filter)
}
func (s *Store) AddComment(ctx context.Context, comment *store.Comment) error {
	return s.writer().AddComment(ctx, comment)
}
func (s *Store) ListComments(ctx context.Context, taskID string) ([]*store.Comment, error) {
	return s.reader().ListComments(ctx, taskID)
}
func (s *Store) AddDeliverable(ctx context.Context, deliverable *store.Deliverable) error {
	return s.writer().AddDeliverable(ctx, deliverable)
}
func (s *Store) ListDeliverables(ctx context.Context, taskID string) ([]*store.Deliverable, error) {
	return s.reader().ListDeliverables(ctx, taskID)
}
func (s *Store) LogActivity(ctx context.Context, entry *store.ActivityEntry) error {
	return s.writer().LogActivity(ctx, entry)
}
func (s *Store) ListActivity(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEntry, error) {
	return s.reader().ListActivity(ctx, filter)
}
func (s *Store) CreateSession(ctx context.Context, session *store.Session) error {
	return s.writer().CreateSession(ctx, session)
}
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return s.reader().GetSession(ctx, id)
}
func (s *Store) UpdateSession(ctx context.Context, session *store.Session) error {
	return s.writer().UpdateSession(ctx, session)
}
func (s *Store) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	return s.reader().ListActiveSessions(ctx)
}
func (s *Store) GetWorkflowSettings(ctx context.Context) (*store.WorkflowSettings, error) {
	return s.reader().GetWorkflowSettings(ctx)
}
func (s *Store) PutWorkflowSettings(ctx context.Context, settings *store.WorkflowSettings) error {
	return s.writer().PutWorkflowSettings(ctx, settings)
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
