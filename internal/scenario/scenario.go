// Package scenario implements the Scenario Manager (§4.7): it starts
// and stops scenarios idempotently by scenario_id, fans control
// messages out over gossip, and owns one Pacer per journey for the
// scenario's lifetime. Grounded on distributed-queue/main.go's App
// worker-lifecycle pattern (AddWorker/Run/Stop), generalized from a
// fixed worker set registered at startup to a dynamic set of Pacers
// registered as scenarios come and go.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryan-h265/ironswarm/internal/datapool"
	"github.com/ryan-h265/ironswarm/internal/journey"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/internal/pacer"
	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

// Gossip control message kinds the manager speaks.
const (
	KindScenarioStart = "SCENARIO_START"
	KindScenarioStop  = "SCENARIO_STOP"
)

// DefaultTombstoneWindow is tombstone_window's default (§9): how long a
// ScenarioStop observed before its matching ScenarioStart is buffered
// and applied once the start arrives.
const DefaultTombstoneWindow = 5 * time.Second

// broadcaster is the gossip capability the manager needs: fan a
// control message out cluster-wide, and receive ones others fan out.
type broadcaster interface {
	Broadcast(kind string, body []byte)
	RegisterHandler(kind string, h func([]byte))
}

// aliveCounter supplies the Peer Registry's alive-set size N to every
// Pacer the manager creates.
type aliveCounter interface {
	AliveCount() int
}

// Lookup resolves a scenario_id to its full Scenario definition
// (including the non-serializable Journey callables) on a node that
// did not originate the start. Scenario authoring is out of scope
// (§1): every node is expected to already carry the same scenario
// catalog locally (e.g. loaded from the same file at startup), and
// gossip's ScenarioStart only carries the id plus timing so that
// idempotent-start dedup and start_delay_s stay consistent
// cluster-wide.
type Lookup func(scenarioID string) (scenariodef.Scenario, bool)

type wireScenarioStart struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	StartDelayS float64   `json:"start_delay_s"`
}

type wireScenarioStop struct {
	ID string `json:"id"`
}

// JourneyStatus is one journey's pacer state within a running scenario.
type JourneyStatus struct {
	Name  string
	State pacer.State
}

// Status is a point-in-time view of one scenario for the periodic
// stats print and external status surface.
type Status struct {
	ID        string
	StartedAt time.Time
	Journeys  []JourneyStatus
}

type runningScenario struct {
	scenario  scenariodef.Scenario
	startedAt time.Time
	pacers    []*pacer.Pacer
	names     []string
	pools     []datapool.Datapool
}

// Manager orchestrates scenario start/stop across the cluster.
type Manager struct {
	core           *metrics.Core
	gossip         broadcaster
	alive          aliveCounter
	lookup         Lookup
	requestTimeout time.Duration
	maxInFlight    int64
	logger         *zap.Logger

	mu         sync.Mutex
	scenarios  map[string]*runningScenario
	tombstones map[string]time.Time
}

// NewManager builds a Manager and registers its gossip handlers.
func NewManager(
	core *metrics.Core,
	gossip broadcaster,
	alive aliveCounter,
	lookup Lookup,
	requestTimeout time.Duration,
	maxInFlight int64,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		core:           core,
		gossip:         gossip,
		alive:          alive,
		lookup:         lookup,
		requestTimeout: requestTimeout,
		maxInFlight:    maxInFlight,
		logger:         logger,
		scenarios:      map[string]*runningScenario{},
		tombstones:     map[string]time.Time{},
	}
	gossip.RegisterHandler(KindScenarioStart, m.handleRemoteStart)
	gossip.RegisterHandler(KindScenarioStop, m.handleRemoteStop)
	return m
}

// Start begins a scenario requested locally by the CLI. Duplicate
// scenario_id values are rejected silently (idempotent start, §4.7
// step 1). On first registration it broadcasts ScenarioStart so every
// other node starts the same scenario in lockstep.
func (m *Manager) Start(ctx context.Context, s scenariodef.Scenario) error {
	registered, pendingStop := m.register(s)
	if !registered {
		return nil
	}
	body, err := json.Marshal(wireScenarioStart{ID: s.ID, StartedAt: time.Now(), StartDelayS: s.StartDelayS})
	if err != nil {
		return fmt.Errorf("encode scenario start: %w", err)
	}
	m.gossip.Broadcast(KindScenarioStart, body)
	if err := m.launch(ctx, s); err != nil {
		return err
	}
	if pendingStop {
		m.requestStopLocal(s.ID)
	}
	return nil
}

func (m *Manager) handleRemoteStart(body []byte) {
	var msg wireScenarioStart
	if err := json.Unmarshal(body, &msg); err != nil {
		m.logger.Warn("malformed SCENARIO_START payload", zap.Error(err))
		return
	}
	s, ok := m.lookup(msg.ID)
	if !ok {
		m.logger.Warn("received SCENARIO_START for unknown scenario", zap.String("scenario_id", msg.ID))
		return
	}
	s.StartDelayS = msg.StartDelayS
	registered, pendingStop := m.register(s)
	if !registered {
		return
	}
	if err := m.launch(context.Background(), s); err != nil {
		m.logger.Error("failed to launch gossiped scenario", zap.String("scenario_id", msg.ID), zap.Error(err))
		return
	}
	if pendingStop {
		m.requestStopLocal(msg.ID)
	}
}

// register enrolls s as running unless it already is. It also resolves
// the tombstone ordering case (spec.md's "Ordering guarantees"): a
// ScenarioStop observed before its matching ScenarioStart is buffered
// in m.tombstones for tombstone_window and, if still live when the
// start arrives here, consumed and reported back as pendingStop so the
// caller applies it immediately after launch.
func (m *Manager) register(s scenariodef.Scenario) (ok bool, pendingStop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapTombstonesLocked()
	if _, exists := m.scenarios[s.ID]; exists {
		return false, false
	}
	if _, tombstoned := m.tombstones[s.ID]; tombstoned {
		delete(m.tombstones, s.ID)
		pendingStop = true
	}
	m.scenarios[s.ID] = &runningScenario{scenario: s, startedAt: time.Now()}
	return true, pendingStop
}

// reapTombstonesLocked discards expired buffered stops. Called with mu
// held.
func (m *Manager) reapTombstonesLocked() {
	now := time.Now()
	for id, deadline := range m.tombstones {
		if now.After(deadline) {
			delete(m.tombstones, id)
		}
	}
}

// launch starts one pacer per journey. Pacers run under an independent
// background context, not the caller's, so that a process-level
// shutdown signal drains cooperatively through Stop/StopAll (bounded
// by each pacer's drain_timeout) instead of cutting them off
// mid-DRAINING; the caller's context is accepted for interface
// symmetry with Start but otherwise unused here.
func (m *Manager) launch(_ context.Context, s scenariodef.Scenario) error {
	m.mu.Lock()
	rs := m.scenarios[s.ID]
	m.mu.Unlock()

	runCtx := context.Background()
	startDelay := time.Duration(s.StartDelayS * float64(time.Second))
	requestTimeout := m.requestTimeout
	if s.RequestTimeoutS > 0 {
		requestTimeout = time.Duration(s.RequestTimeoutS * float64(time.Second))
	}

	// One shared runner pool per scenario (§4.5's "a worker pool for
	// Journey Runners sized to max_in_flight_journeys"): every journey
	// in s registers with it in insertion order, so §4.6's round-robin
	// tie-break has a stable rotation to fall back on whenever the pool
	// runs saturated.
	runnerPool := journey.NewRunnerPool(m.maxInFlight)
	for _, jd := range s.Journeys {
		runnerPool.Register(jd.Journey.Name())
	}

	for _, jd := range s.Journeys {
		pool, err := buildDatapool(jd.Datapool)
		if err != nil {
			return fmt.Errorf("build datapool for journey %q: %w", jd.Journey.Name(), err)
		}

		name := jd.Journey.Name()
		runner := journey.NewRunnerWithPool(
			name, jd.Journey, pool, m.core, requestTimeout, runnerPool,
			func() { m.core.IncrCounter("journey_backpressure_total", metrics.Labels{"name": name}, 1) },
			func() { m.core.IncrCounter("datapool_exhausted_total", metrics.Labels{"name": name}, 1) },
			m.logger,
		)
		p := pacer.New(name, jd.Volume, runner, m.alive.AliveCount, 0, m.logger)

		m.mu.Lock()
		rs.pacers = append(rs.pacers, p)
		rs.names = append(rs.names, name)
		if pool != nil {
			rs.pools = append(rs.pools, pool)
		}
		m.mu.Unlock()

		go p.Run(runCtx, startDelay)
	}

	go m.awaitCompletion(s.ID, rs)
	return nil
}

func (m *Manager) awaitCompletion(id string, rs *runningScenario) {
	for _, p := range rs.pacers {
		<-p.Done()
	}
	for _, pool := range rs.pools {
		pool.Close()
	}
	m.mu.Lock()
	delete(m.scenarios, id)
	m.mu.Unlock()
}

// Stop requests a scenario transition all of its pacers to DRAINING.
// Scenarios self-stop once every pacer reaches STOPPED (§4.7).
func (m *Manager) Stop(id string) {
	if !m.requestStopLocal(id) {
		return
	}
	body, err := json.Marshal(wireScenarioStop{ID: id})
	if err != nil {
		m.logger.Error("encode scenario stop", zap.Error(err))
		return
	}
	m.gossip.Broadcast(KindScenarioStop, body)
}

// DefaultShutdownGrace bounds how long StopAll waits for every running
// scenario to finish draining during process shutdown.
const DefaultShutdownGrace = 15 * time.Second

// StopAll requests every currently running scenario to drain and waits
// up to grace for them to finish, so a process shutdown signal gives
// in-flight journeys a bounded chance to complete (§5's "Scenario
// stop: cooperative, bounded by drain_timeout") instead of abandoning
// them mid-iteration. grace <= 0 falls back to DefaultShutdownGrace.
func (m *Manager) StopAll(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.scenarios))
	for id := range m.scenarios {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(m.Statuses()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (m *Manager) handleRemoteStop(body []byte) {
	var msg wireScenarioStop
	if err := json.Unmarshal(body, &msg); err != nil {
		m.logger.Warn("malformed SCENARIO_STOP payload", zap.Error(err))
		return
	}
	m.requestStopLocal(msg.ID)
}

// requestStopLocal drains a running scenario's pacers. If the scenario
// isn't registered yet, the stop is buffered as a tombstone for
// DefaultTombstoneWindow and applied if the matching start arrives
// within it (see register).
func (m *Manager) requestStopLocal(id string) bool {
	m.mu.Lock()
	rs, ok := m.scenarios[id]
	if !ok {
		m.reapTombstonesLocked()
		m.tombstones[id] = time.Now().Add(DefaultTombstoneWindow)
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	for _, p := range rs.pacers {
		p.RequestStop()
	}
	return true
}

// Statuses returns a point-in-time view of every running scenario.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.scenarios))
	for id, rs := range m.scenarios {
		st := Status{ID: id, StartedAt: rs.startedAt}
		for i, p := range rs.pacers {
			st.Journeys = append(st.Journeys, JourneyStatus{Name: rs.names[i], State: p.State()})
		}
		out = append(out, st)
	}
	return out
}

func buildDatapool(d *scenariodef.DatapoolDescriptor) (datapool.Datapool, error) {
	if d == nil {
		return nil, nil
	}
	switch d.Kind {
	case scenariodef.InMemoryOnce:
		return datapool.NewInMemoryOnce(d.Rows), nil
	case scenariodef.InMemoryRecycle:
		return datapool.NewInMemoryRecycle(d.Rows), nil
	case scenariodef.FileOnce:
		return datapool.NewFileOnce(d.Path)
	case scenariodef.FileRecycle:
		return datapool.NewFileRecycle(d.Path)
	default:
		return nil, nil
	}
}
