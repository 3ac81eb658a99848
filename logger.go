package bingest

import (
	"log"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// Logger can be implemented to get informed about conditions that are not
// fatal to request handling and therefore never propagate.
type Logger interface {
	LogUploadDeleteError(path string, err error)
	LogInterimWriteError(err error)
}

type stdLogger struct{ *log.Logger }

func (l stdLogger) LogUploadDeleteError(path string, err error) {
	l.Logger.Printf("bingest: delete of uploaded file %q failed: %s", path, err)
}

func (l stdLogger) LogInterimWriteError(err error) {
	l.Logger.Printf("bingest: writing interim continue response failed: %s", err)
}

// NewStdLogger logs through the standard library logger.
func NewStdLogger(l *log.Logger) Logger {
	return stdLogger{l}
}

type zapLogger struct{ *zap.Logger }

func (l zapLogger) LogUploadDeleteError(path string, err error) {
	l.Logger.Warn("delete of uploaded file failed", zap.String("path", path), zap.Error(err))
}

func (l zapLogger) LogInterimWriteError(err error) {
	l.Logger.Warn("writing interim continue response failed", zap.Error(err))
}

// NewZapLogger logs through a zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return zapLogger{l.Named("bingest")}
}

// TestLogger counts log calls so tests can assert on them.
type TestLogger struct {
	tb testing.TB

	NumUploadDeleteError int64
	NumInterimWriteError int64
}

// NewTestLogger inits a test logger that also reports to tb.
func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogUploadDeleteError(path string, err error) {
	atomic.AddInt64(&l.NumUploadDeleteError, 1)
	l.tb.Logf("bingest: delete of uploaded file %q failed: %s", path, err)
}

func (l *TestLogger) LogInterimWriteError(err error) {
	atomic.AddInt64(&l.NumInterimWriteError, 1)
	l.tb.Logf("bingest: writing interim continue response failed: %s", err)
}

var _ Logger = &TestLogger{}
