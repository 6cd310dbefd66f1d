package owlwhisper

import (
	"context"
	"testing"
	"time"
)

// Common test constants
const testLocalhost = "127.0.0.1"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t *testing.T
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// Test helpers to reduce code duplication

// createTestContext creates a context with timeout for testing
func createTestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// createTestLogger creates a mock logger for testing
func createTestLogger(t *testing.T) *MockLogger {
	return &MockLogger{t: t}
}

// createTestConfig creates a loopback configuration rooted in a throwaway
// data directory. Fast knobs keep background loops responsive in tests.
func createTestConfig(t testing.TB, processName string) Config {
	t.Helper()
	return Config{
		ProcessName:       processName,
		ListenAddresses:   []string{testLocalhost},
		Port:              0,
		DataDir:           t.TempDir(),
		ReconcileInterval: 200 * time.Millisecond,
		BackoffBase:       100 * time.Millisecond,
		ProbeInterval:     time.Second,
	}
}

// createTestEngine builds and starts an engine, registering cleanup.
func createTestEngine(ctx context.Context, t *testing.T, processName string) *Engine {
	t.Helper()

	e, err := NewEngine(createTestLogger(t), createTestConfig(t, processName))
	if err != nil {
		t.Fatalf("creating engine %s: %v", processName, err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("starting engine %s: %v", processName, err)
	}
	setupEngineCleanup(t, e, processName)
	return e
}

// setupEngineCleanup sets up proper cleanup for a test engine
func setupEngineCleanup(t testing.TB, e *Engine, name string) {
	t.Helper()

	t.Cleanup(func() {
		if e != nil {
			if err := e.Stop(); err != nil && err != ErrNotStarted {
				t.Logf("Failed to stop %s in cleanup: %v", name, err)
			}
		}
	})
}
