package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"
)

// DriverName is the database/sql driver used for the target server.
const DriverName = "sqlserver"

// ErrConnectivity is returned when the target database cannot be reached.
// It is fatal to the whole run.
var ErrConnectivity = errors.New("cannot reach target database")

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config contains client configuration
type Config struct {
	ConnString     string
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// Open opens the target database and verifies it is reachable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(DriverName, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := Ping(ctx, db, cfg.ConnectTimeout); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Connected to target database")
	return db, nil
}

// Ping checks reachability within timeout. Failures wrap ErrConnectivity.
func Ping(ctx context.Context, p Pinger, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return nil
}
