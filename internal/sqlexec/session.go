package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Session pins a single pooled connection so every stage of a run sees the
// same server session, and tracks the one transaction allowed on it.
type Session struct {
	conn   *sql.Conn
	logger *zap.Logger

	mu sync.Mutex
	tx *sql.Tx
}

// OpenSession takes a dedicated connection from db.
func OpenSession(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return NewSession(conn, logger), nil
}

// NewSession wraps an already acquired connection.
func NewSession(conn *sql.Conn, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{conn: conn, logger: logger}
}

// Querier returns the open transaction, or the bare connection when none is open.
func (s *Session) Querier() Querier {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Begin opens a transaction. Only one may be open at a time.
func (s *Session) Begin(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return nil, ErrNestedTransaction
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// Commit commits the open transaction.
func (s *Session) Commit() error {
	tx, err := s.take()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback rolls back the open transaction.
func (s *Session) Rollback() error {
	tx, err := s.take()
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *Session) take() (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil, ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return tx, nil
}

// Scope runs fn inside a transaction. A nil return commits; an error or a
// panic rolls back, and the original error or panic is passed on untouched.
func (s *Session) Scope(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			s.rollbackQuietly()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		s.rollbackQuietly()
		return err
	}
	return s.Commit()
}

func (s *Session) rollbackQuietly() {
	if err := s.Rollback(); err != nil {
		s.logger.Warn("Rollback failed", zap.Error(err))
	}
}

// Close rolls back any open transaction and returns the connection to the pool.
func (s *Session) Close() error {
	if s.InTransaction() {
		s.rollbackQuietly()
	}
	return s.conn.Close()
}
