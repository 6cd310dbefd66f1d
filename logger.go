package owlwhisper

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultLogger is a logrus-backed Logger whose verbosity and output
// destination can be changed at runtime by the embedding application.
type DefaultLogger struct {
	mu  sync.RWMutex
	log *logrus.Logger
}

// NewDefaultLogger creates a logger writing to stderr at info level.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{log: l}
}

// SetLevel changes the verbosity at runtime. Accepted levels are "debug",
// "info", "warn" and "error".
func (d *DefaultLogger) SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", level, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.SetLevel(parsed)
	return nil
}

// SetOutput redirects log output, e.g. to a file opened by the caller.
func (d *DefaultLogger) SetOutput(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log.SetOutput(w)
}

// Debugf logs at debug level.
func (d *DefaultLogger) Debugf(format string, args ...interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.log.Debugf(format, args...)
}

// Infof logs at info level.
func (d *DefaultLogger) Infof(format string, args ...interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.log.Infof(format, args...)
}

// Warnf logs at warning level.
func (d *DefaultLogger) Warnf(format string, args ...interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.log.Warnf(format, args...)
}

// Errorf logs at error level.
func (d *DefaultLogger) Errorf(format string, args ...interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.log.Errorf(format, args...)
}

// Fatalf logs at fatal level and exits.
func (d *DefaultLogger) Fatalf(format string, args ...interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.log.Fatalf(format, args...)
}

var _ Logger = (*DefaultLogger)(nil)
