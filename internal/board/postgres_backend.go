package board

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTasksTableName   = "boardsync_tasks"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDurableStore persists confirmed tasks in a single table keyed by
// (project_id, task_id). The schema is created lazily on first use.
type PostgresDurableStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDurableStore(dsn string) (*PostgresDurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDurableStore{
		dsn:       dsn,
		tableName: postgresTasksTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresDurableStore) WriteTask(ctx context.Context, task Task) error {
	if task.ID == "" || task.ProjectID == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_id, task_id, title, status, position, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, task_id)
		DO UPDATE SET title = EXCLUDED.title,
			status = EXCLUDED.status,
			position = EXCLUDED.position,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query,
		task.ProjectID, task.ID, task.Title, string(task.Status), task.Position, task.Version, task.UpdatedAt)
	return err
}

func (b *PostgresDurableStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE project_id = $1 AND task_id = $2", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, projectID, taskID)
	return err
}

func (b *PostgresDurableStore) ReadAll(ctx context.Context, projectID string) ([]Task, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT task_id, title, status, position, version, updated_at
		FROM %s
		WHERE project_id = $1
		ORDER BY task_id`, postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var task Task
		var status string
		if err := rows.Scan(&task.ID, &task.Title, &status, &task.Position, &task.Version, &task.UpdatedAt); err != nil {
			return nil, err
		}
		task.ProjectID = projectID
		task.Status = Status(status)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (b *PostgresDurableStore) Name() string {
	return "postgres"
}

func (b *PostgresDurableStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresDurableStore) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				title TEXT NOT NULL,
				status TEXT NOT NULL,
				position DOUBLE PRECISION NOT NULL,
				version BIGINT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (project_id, task_id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
