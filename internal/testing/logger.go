package testing

import (
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// RecordingLogger is a log.Logger that keeps the warnings it was given.
// Everything else goes to the wrapped logger.
type RecordingLogger struct {
	log.Logger

	mu       sync.Mutex
	warnings []string
}

// NewRecordingLogger ...
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{Logger: log.NewLogger()}
}

// Warnf ...
func (l *RecordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
	l.mu.Unlock()
	l.Logger.Warnf(format, v...)
}

// Warnings returns a copy of the recorded warnings.
func (l *RecordingLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}
