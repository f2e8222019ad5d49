package journey

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryan-h265/ironswarm/internal/datapool"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

type fakeJourney struct {
	name     string
	outcomes []scenariodef.Outcome
	err      error
	calls    atomic.Int64
}

func (f *fakeJourney) Name() string { return f.name }

func (f *fakeJourney) Run(ctx context.Context, row any) ([]scenariodef.Outcome, error) {
	f.calls.Add(1)
	return f.outcomes, f.err
}

func TestRunnerRecordsOutcomesAndExecutions(t *testing.T) {
	core := metrics.NewCore()
	j := &fakeJourney{
		name: "checkout",
		outcomes: []scenariodef.Outcome{
			{Label: "GET /cart", Duration: 10 * time.Millisecond, Status: scenariodef.StatusOK},
			{Label: "POST /pay", Duration: 20 * time.Millisecond, Status: scenariodef.StatusError, ErrorKind: "timeout"},
		},
	}
	r := NewRunner("checkout", j, nil, core, time.Second, 4, nil, nil, nil)

	if !r.TryLaunch(context.Background()) {
		t.Fatal("expected launch to succeed")
	}
	waitForZeroInFlight(t, r)

	if j.calls.Load() != 1 {
		t.Fatalf("expected journey to run once, got %d", j.calls.Load())
	}
	if got := core.CounterValue("http_requests_total", metrics.Labels{"label": "GET /cart", "status_class": "2xx"}); got != 1 {
		t.Fatalf("expected 1 ok request, got %d", got)
	}
	if got := core.CounterValue("http_errors_total", metrics.Labels{"label": "POST /pay", "kind": "timeout"}); got != 1 {
		t.Fatalf("expected 1 error, got %d", got)
	}
	if got := core.CounterValue("journey_executions_total", metrics.Labels{"name": "checkout"}); got != 1 {
		t.Fatalf("expected 1 execution, got %d", got)
	}
}

func TestRunnerRecordsFailureOnJourneyError(t *testing.T) {
	core := metrics.NewCore()
	j := &fakeJourney{name: "broken", err: errors.New("boom")}
	r := NewRunner("broken", j, nil, core, time.Second, 4, nil, nil, nil)

	r.TryLaunch(context.Background())
	waitForZeroInFlight(t, r)

	if got := core.CounterValue("journey_failures_total", metrics.Labels{"name": "broken", "kind": "runtime_error"}); got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestRunnerBackpressureWhenSaturated(t *testing.T) {
	core := metrics.NewCore()
	block := make(chan struct{})
	j := &blockingJourney{release: block}
	r := NewRunner("slow", j, nil, core, time.Second, 1, nil, nil, nil)

	if !r.TryLaunch(context.Background()) {
		t.Fatal("expected first launch to succeed")
	}
	for r.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	var backpressured atomic.Int64
	r2 := NewRunner("slow", j, nil, core, time.Second, 1, func() { backpressured.Add(1) }, nil, nil)
	r2.runnerPool = r.runnerPool // share the saturated pool

	if r2.TryLaunch(context.Background()) {
		t.Fatal("expected launch to be rejected while pool is saturated")
	}
	if backpressured.Load() != 1 {
		t.Fatalf("expected backpressure callback, got %d calls", backpressured.Load())
	}
	close(block)
	waitForZeroInFlight(t, r)
}

func TestRunnerPoolServesContendingJourneysRoundRobin(t *testing.T) {
	core := metrics.NewCore()
	pool := NewRunnerPool(1)
	pool.Register("a")
	pool.Register("b")

	block := make(chan struct{})
	ja := &blockingJourney{release: block}
	jb := &blockingJourney{release: block}
	ra := NewRunnerWithPool("a", ja, nil, core, time.Second, pool, nil, nil, nil)
	rb := NewRunnerWithPool("b", jb, nil, core, time.Second, pool, nil, nil, nil)

	// a claims the pool's only slot for this round.
	if !ra.TryLaunch(context.Background()) {
		t.Fatal("expected a's first launch to succeed")
	}
	for ra.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(block)
	waitForZeroInFlight(t, ra)

	// a already had its turn this round; b, registered after it, must be
	// served next even though a still has credit and calls first.
	if ra.TryLaunch(context.Background()) {
		t.Fatal("expected a to be denied a second turn before b has had one")
	}
	if !rb.TryLaunch(context.Background()) {
		t.Fatal("expected b to be served its round-robin turn")
	}
	waitForZeroInFlight(t, rb)
}

type blockingJourney struct {
	release chan struct{}
}

func (b *blockingJourney) Name() string { return "slow" }
func (b *blockingJourney) Run(ctx context.Context, row any) ([]scenariodef.Outcome, error) {
	<-b.release
	return nil, nil
}

func TestRunnerExhaustedDatapoolInvokesCallback(t *testing.T) {
	core := metrics.NewCore()
	pool := datapool.NewInMemoryOnce(nil)
	j := &fakeJourney{name: "empty"}

	var exhausted atomic.Int64
	r := NewRunner("empty", j, pool, core, time.Second, 4, nil, func() { exhausted.Add(1) }, nil)

	r.TryLaunch(context.Background())
	waitForZeroInFlight(t, r)

	if exhausted.Load() != 1 {
		t.Fatalf("expected exhausted callback once, got %d", exhausted.Load())
	}
	if j.calls.Load() != 0 {
		t.Fatalf("expected journey callable never invoked, got %d calls", j.calls.Load())
	}
}

func TestClientFromContextFallsBackToDefault(t *testing.T) {
	if ClientFromContext(context.Background()) == nil {
		t.Fatal("expected a non-nil default client")
	}
}

func waitForZeroInFlight(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.InFlight() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for in-flight runs to drain")
}
