// Package journey implements the Journey Runner (§4.5): a bounded
// worker pool that executes individual journey iterations and records
// every outcome to the Metrics Core. Grounded on the teacher's
// EnqueueWorker/AckNackWorker buffered-channel worker idiom, but the
// fixed worker count is replaced with a golang.org/x/sync/semaphore
// slot pool since launches are driven by the pacer's credit
// accumulator rather than a request channel.
package journey

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ryan-h265/ironswarm/internal/datapool"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

// DefaultMaxInFlight is max_in_flight_journeys' default per §4.5.
const DefaultMaxInFlight = 1024

// RunnerPool is the shared worker-pool slot budget (§4.5's "a worker
// pool for Journey Runners sized to max_in_flight_journeys") that every
// journey Runner within one scenario draws from — one pool per
// scenario, not one per journey. Beyond the raw slot count, it also
// implements §4.6's tie-break: "when multiple pacers have credit ≥ 1
// simultaneously and the runner pool has limited slack, pacers are
// served round-robin by insertion order."
type RunnerPool struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	order   []string
	served  map[string]bool
}

// NewRunnerPool builds a pool sized for maxInFlight concurrent runs
// across every journey registered with it. maxInFlight <= 0 falls back
// to DefaultMaxInFlight.
func NewRunnerPool(maxInFlight int64) *RunnerPool {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &RunnerPool{
		sem:    semaphore.NewWeighted(maxInFlight),
		served: map[string]bool{},
	}
}

// Register enrolls a journey name in insertion order, fixing its
// priority in the round-robin rotation used when the pool is saturated.
func (rp *RunnerPool) Register(name string) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.order = append(rp.order, name)
}

// tryAcquire claims one slot for name. Each registered journey may
// claim at most one slot per rotation "round"; once every registered
// journey has claimed a slot (or the round otherwise completes), the
// round resets and claims are allowed again. This keeps one
// high-credit journey from starving the others named after it in
// insertion order whenever the pool is running close to saturation.
func (rp *RunnerPool) tryAcquire(name string) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.served[name] && !rp.allServedLocked() {
		return false
	}
	if !rp.sem.TryAcquire(1) {
		return false
	}
	rp.served[name] = true
	if rp.allServedLocked() {
		for k := range rp.served {
			delete(rp.served, k)
		}
	}
	return true
}

func (rp *RunnerPool) allServedLocked() bool {
	if len(rp.order) == 0 {
		return true
	}
	for _, name := range rp.order {
		if !rp.served[name] {
			return false
		}
	}
	return true
}

func (rp *RunnerPool) release() {
	rp.sem.Release(1)
}

// Runner executes one journey's individual runs against a bounded
// pool of slots, recording outcomes to the Metrics Core. One Runner
// serves exactly one journey within one scenario.
type Runner struct {
	name       string
	journey    scenariodef.Journey
	pool       datapool.Datapool // nil if the journey is not datapool-bound
	core       *metrics.Core
	httpClient *http.Client
	logger     *zap.Logger

	runnerPool     *RunnerPool
	onBackpressure func()
	onExhausted    func()

	inFlight atomic.Int64
}

// NewRunner builds a Runner with a private, single-journey pool sized
// maxInFlight (<= 0 falls back to DefaultMaxInFlight). Use
// NewRunnerWithPool to share one pool's slots (and round-robin
// tie-break) across every journey in a scenario, as the Scenario
// Manager does. requestTimeout bounds every HTTP client handed to the
// journey through context; onBackpressure is invoked (never blocking)
// each time a launch is rejected because the pool is saturated;
// onExhausted is invoked each time a bound datapool reports EXHAUSTED
// before the journey callable runs, so the caller can count the
// skipped start (the Scenario Manager increments
// datapool_exhausted_total).
func NewRunner(
	name string,
	j scenariodef.Journey,
	pool datapool.Datapool,
	core *metrics.Core,
	requestTimeout time.Duration,
	maxInFlight int64,
	onBackpressure func(),
	onExhausted func(),
	logger *zap.Logger,
) *Runner {
	rp := NewRunnerPool(maxInFlight)
	rp.Register(name)
	return NewRunnerWithPool(name, j, pool, core, requestTimeout, rp, onBackpressure, onExhausted, logger)
}

// NewRunnerWithPool builds a Runner that draws its slots from a
// RunnerPool shared with other journeys in the same scenario; the
// caller must have already called pool.Register(name).
func NewRunnerWithPool(
	name string,
	j scenariodef.Journey,
	pool datapool.Datapool,
	core *metrics.Core,
	requestTimeout time.Duration,
	runnerPool *RunnerPool,
	onBackpressure func(),
	onExhausted func(),
	logger *zap.Logger,
) *Runner {
	return &Runner{
		name:           name,
		journey:        j,
		pool:           pool,
		core:           core,
		httpClient:     &http.Client{Timeout: requestTimeout},
		logger:         logger,
		runnerPool:     runnerPool,
		onBackpressure: onBackpressure,
		onExhausted:    onExhausted,
	}
}

// TryLaunch attempts to acquire one pool slot and start a run in its
// own goroutine. It never blocks: if the pool is saturated (or it
// isn't this journey's turn in the round-robin rotation) it reports
// backpressure and returns false immediately. The request is lost,
// not queued, per §4.5/§4.6.
func (r *Runner) TryLaunch(ctx context.Context) bool {
	if !r.runnerPool.tryAcquire(r.name) {
		if r.onBackpressure != nil {
			r.onBackpressure()
		}
		return false
	}
	r.inFlight.Add(1)
	go func() {
		defer r.runnerPool.release()
		defer r.inFlight.Add(-1)
		r.run(ctx)
	}()
	return true
}

// InFlight reports the number of runs currently executing.
func (r *Runner) InFlight() int64 {
	return r.inFlight.Load()
}

func (r *Runner) run(ctx context.Context) {
	var row datapool.Row
	if r.pool != nil {
		var ok bool
		row, ok = r.pool.NextRow(ctx)
		if !ok {
			if r.onExhausted != nil {
				r.onExhausted()
			}
			return
		}
	}

	runCtx := withHTTPClient(ctx, r.httpClient)
	outcomes, err := r.journey.Run(runCtx, row)
	for _, o := range outcomes {
		r.recordOutcome(o)
	}

	r.core.IncrCounter("journey_executions_total", metrics.Labels{"name": r.name}, 1)
	if err != nil {
		kind := errorKind(err)
		r.core.IncrCounter("journey_failures_total", metrics.Labels{"name": r.name, "kind": kind}, 1)
		if r.logger != nil {
			r.logger.Warn("journey run failed", zap.String("name", r.name), zap.Error(err))
		}
	}
}

func (r *Runner) recordOutcome(o scenariodef.Outcome) {
	statusClass := "2xx"
	if o.Status == scenariodef.StatusError {
		statusClass = "error"
	}
	r.core.IncrCounter("http_requests_total", metrics.Labels{"label": o.Label, "status_class": statusClass}, 1)
	if o.Status == scenariodef.StatusError {
		kind := o.ErrorKind
		if kind == "" {
			kind = "unknown"
		}
		r.core.IncrCounter("http_errors_total", metrics.Labels{"label": o.Label, "kind": kind}, 1)
	}
	r.core.ObserveHistogram("http_request_duration_seconds", metrics.Labels{"label": o.Label}, o.Duration.Seconds())
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return "runtime_error"
}

type httpClientKey struct{}

func withHTTPClient(ctx context.Context, c *http.Client) context.Context {
	return context.WithValue(ctx, httpClientKey{}, c)
}

// ClientFromContext returns the *http.Client a journey callable
// should use to issue requests, configured with the scenario's
// request_timeout. Falls back to http.DefaultClient if called outside
// a Runner-managed context (e.g. in a unit test).
func ClientFromContext(ctx context.Context) *http.Client {
	if c, ok := ctx.Value(httpClientKey{}).(*http.Client); ok {
		return c
	}
	return http.DefaultClient
}
