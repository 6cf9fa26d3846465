//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/everkind/lib-resilience/resilience/log"
)

// errSpeechBackend stands in for a dependency failure in panic tests.
var errSpeechBackend = errors.New("synthesis backend unavailable")

// testLogger captures log calls. It is shared across all runtime test files.
type testLogger struct {
	mu          sync.Mutex
	errorCalls  []string
	lastMessage string
	panicLogged atomic.Bool
	logged      chan struct{} // signals when a panic was logged
}

func newTestLogger() *testLogger {
	return &testLogger{
		logged: make(chan struct{}, 1), // buffered so Log never blocks
	}
}

func (logger *testLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	logger.errorCalls = append(logger.errorCalls, msg)
	logger.lastMessage = msg
	logger.panicLogged.Store(true)

	select {
	case logger.logged <- struct{}{}:
	default:
	}
}

func (logger *testLogger) wasPanicLogged() bool {
	return logger.panicLogged.Load()
}

func (logger *testLogger) waitForPanicLog(timeout time.Duration) bool {
	select {
	case <-logger.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (logger *testLogger) last() string {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	return logger.lastMessage
}

// capturedReport is one CaptureException call observed by capturingReporter.
type capturedReport struct {
	err  error
	tags map[string]string
}

// capturingReporter records reports so error reporter tests can assert on
// what would have been sent to an external tracking service.
type capturingReporter struct {
	mu      sync.Mutex
	reports []capturedReport
}

func (r *capturingReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}

	r.reports = append(r.reports, capturedReport{err: err, tags: copied})
}

func (r *capturingReporter) all() []capturedReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]capturedReport, len(r.reports))
	copy(out, r.reports)

	return out
}
