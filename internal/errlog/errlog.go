package errlog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is an append-only, human-readable error log for a single run. Each
// Record call writes one entry.
type Log struct {
	path   string
	file   *os.File
	logger *zap.Logger
}

// FileName returns the error log file name for a database or phase name.
func FileName(name string) string {
	return fmt.Sprintf("PreDMSErrorLog_%s.txt", name)
}

// Open appends to dir/PreDMSErrorLog_<name>.txt. When the file cannot be
// opened the log discards entries and a warning is written to logger.
func Open(dir, name string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, FileName(name))

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("Failed to create error log directory", zap.String("dir", dir), zap.Error(err))
			return &Log{path: path, logger: zap.NewNop()}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn("Failed to open error log, entries will be discarded", zap.String("path", path), zap.Error(err))
		return &Log{path: path, logger: zap.NewNop()}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), zapcore.ErrorLevel)
	return &Log{path: path, file: f, logger: zap.New(core)}
}

// Nop returns a log that discards every entry.
func Nop() *Log {
	return &Log{logger: zap.NewNop()}
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Record writes one error entry with its context fields.
func (l *Log) Record(msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.logger.Error(msg, fields...)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	_ = l.logger.Sync()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
