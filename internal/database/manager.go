package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"classlink/internal/logging"
	dbconfig "classlink/pkg/database"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Manager is the sqlite frame journal. It implements interfaces.Journal.
// ARCHITECTURAL DISCOVERY: every write goes through one goroutine; sqlite
// allows a single writer and per-topic sequence numbers depend on it
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.Journal = (*Manager)(nil)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRetryDelay sets the pause before the single retry of a failed write.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// NewManager opens the database. Call MigrationManager.ApplyMigrations on
// GetDB before the first Append.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   100 * time.Millisecond,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).With("component", "journal")

	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

// writeLoop runs every write, retrying a failed one exactly once
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("journal write failed, retrying", "err", err, "delay", m.retryDelay)
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					m.logger.Error("journal write failed after retry", "err", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Append records one frame and assigns its per-topic sequence number.
func (m *Manager) Append(ctx context.Context, entry *types.JournalEntry) error {
	if entry == nil || entry.ID == "" || entry.Topic == "" || len(entry.Payload) == 0 {
		return ErrInvalidEntry
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE topic = ?`, entry.Topic,
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frames (id, topic, sender, payload, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.Topic, entry.Sender, string(entry.Payload), entry.CreatedAt, seq); err != nil {
			return fmt.Errorf("failed to insert frame: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit frame: %w", err)
		}
		entry.Seq = seq
		return nil
	})
}

// Recent returns up to limit frames of a topic, oldest first.
func (m *Manager) Recent(ctx context.Context, topic string, limit int) ([]*types.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, seq, topic, sender, payload, created_at
		FROM frames
		WHERE topic = ?
		ORDER BY seq DESC
		LIMIT ?
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.JournalEntry
	for rows.Next() {
		var (
			e       types.JournalEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.Topic, &e.Sender, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame row: %w", err)
		}
		e.Payload = []byte(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating frame rows: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Topics summarizes every journaled topic, busiest first.
func (m *Manager) Topics(ctx context.Context) ([]interfaces.TopicStat, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT topic, COUNT(*), MAX(created_at)
		FROM frames
		GROUP BY topic
		ORDER BY COUNT(*) DESC, topic ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []interfaces.TopicStat
	for rows.Next() {
		var (
			s        interfaces.TopicStat
			lastSeen sql.NullString
		)
		if err := rows.Scan(&s.Topic, &s.Frames, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan topic row: %w", err)
		}
		s.LastSeen = lastSeen.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
