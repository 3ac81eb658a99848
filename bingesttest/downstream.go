package bingesttest

import (
	"sync"
	"testing"
	"time"

	"github.com/advdv/bingest"
)

// Failure records one Fail invocation.
type Failure struct {
	Code  bingest.Code
	Cause error
}

// Downstream records the terminal outcome(s) the pipeline delivers so
// tests can assert on exactly-once semantics.
type Downstream struct {
	mu       sync.Mutex
	results  []*bingest.Result
	failures []Failure
	signals  chan struct{}
}

// NewDownstream inits a recorder.
func NewDownstream() *Downstream {
	return &Downstream{signals: make(chan struct{}, 16)}
}

// Continue implements [bingest.Downstream].
func (d *Downstream) Continue(res *bingest.Result) {
	d.mu.Lock()
	d.results = append(d.results, res)
	d.mu.Unlock()
	d.signals <- struct{}{}
}

// Fail implements [bingest.Downstream].
func (d *Downstream) Fail(code bingest.Code, cause error) {
	d.mu.Lock()
	d.failures = append(d.failures, Failure{Code: code, Cause: cause})
	d.mu.Unlock()
	d.signals <- struct{}{}
}

// AwaitOutcome blocks until an outcome was delivered, failing the test
// after a generous timeout.
func (d *Downstream) AwaitOutcome(tb testing.TB) {
	tb.Helper()

	select {
	case <-d.signals:
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a terminal outcome")
	}
}

// Results returns every Continue invocation so far.
func (d *Downstream) Results() []*bingest.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*bingest.Result(nil), d.results...)
}

// Failures returns every Fail invocation so far.
func (d *Downstream) Failures() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Failure(nil), d.failures...)
}

// Outcomes counts all terminal outcomes delivered so far.
func (d *Downstream) Outcomes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.results) + len(d.failures)
}

var _ bingest.Downstream = (*Downstream)(nil)
