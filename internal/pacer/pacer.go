// Package pacer implements the Volume Pacer (§4.6): the tick-based
// credit accumulator that turns one journey's Volume Model into a
// stream of launch attempts against the Journey Runner. Grounded on
// the teacher's timer-driven loop idiom (gossip's heartbeat/gossip
// round: select on a ticker against ctx.Done()).
package pacer

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

// TickPeriod is the scheduling tick, fixed at 100ms per §4.6.
const TickPeriod = 100 * time.Millisecond

// DefaultDrainTimeout is drain_timeout's default.
const DefaultDrainTimeout = 10 * time.Second

// State is one of the pacer's lifecycle states.
type State int

const (
	StateScheduled State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Launcher is the capability the pacer needs from the Journey Runner.
type Launcher interface {
	// TryLaunch attempts to start one run; it never blocks and never
	// refunds credit on failure.
	TryLaunch(ctx context.Context) bool
	// InFlight reports runs currently executing, used to decide when
	// draining is complete.
	InFlight() int64
}

// AliveCountFunc returns the current cluster alive-set size N.
type AliveCountFunc func() int

// Pacer drives one journey's launch rate for the lifetime of a
// scenario.
type Pacer struct {
	name         string
	model        scenariodef.VolumeModel
	launcher     Launcher
	aliveCount   AliveCountFunc
	drainTimeout time.Duration
	logger       *zap.Logger

	// limiter smooths bursts in the credit loop: when credit has piled
	// up (a scheduling stall, or a sudden drop in alive-set size
	// inflating this node's per-share target), it caps launches per
	// tick instead of releasing the whole backlog at once. Unconsumed
	// credit is never dropped, only deferred to later ticks.
	limiter *rate.Limiter

	state         atomic.Int32
	stopRequested atomic.Bool
	done          chan struct{}
}

// New builds a Pacer for one journey. drainTimeout <= 0 falls back to
// DefaultDrainTimeout.
func New(name string, model scenariodef.VolumeModel, launcher Launcher, aliveCount AliveCountFunc, drainTimeout time.Duration, logger *zap.Logger) *Pacer {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	burst := int(math.Ceil(model.TargetRPS*TickPeriod.Seconds())) * 3
	if burst < 4 {
		burst = 4
	}
	p := &Pacer{
		name:         name,
		model:        model,
		launcher:     launcher,
		aliveCount:   aliveCount,
		drainTimeout: drainTimeout,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(math.Max(model.TargetRPS, 0.001)), burst),
		done:         make(chan struct{}),
	}
	p.state.Store(int32(StateScheduled))
	return p
}

// State returns the pacer's current lifecycle state.
func (p *Pacer) State() State {
	return State(p.state.Load())
}

func (p *Pacer) setState(s State) {
	p.state.Store(int32(s))
}

// Done is closed once the pacer reaches STOPPED.
func (p *Pacer) Done() <-chan struct{} {
	return p.done
}

// RequestStop transitions the pacer to DRAINING at the next tick,
// regardless of remaining duration. Used by the Scenario Manager on
// ScenarioStop.
func (p *Pacer) RequestStop() {
	p.stopRequested.Store(true)
}

// Run drives the tick loop until the pacer reaches STOPPED: either the
// Volume Model's duration elapses, RequestStop is called, or ctx is
// canceled. startDelay honors the scenario's start_delay_s.
func (p *Pacer) Run(ctx context.Context, startDelay time.Duration) {
	defer close(p.done)
	defer p.setState(StateStopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	start := time.Now()
	var credit float64
	draining := false
	var drainDeadline time.Time

	for {
		select {
		case <-runCtx.Done():
			return

		case tick := <-ticker.C:
			if !draining {
				elapsed := tick.Sub(start)
				if elapsed < startDelay && !p.stopRequested.Load() {
					continue
				}
				if p.State() == StateScheduled {
					p.setState(StateRunning)
				}

				tEffS := (elapsed - startDelay).Seconds()
				if tEffS < 0 {
					tEffS = 0
				}

				if p.stopRequested.Load() || (p.model.DurationS > 0 && tEffS >= p.model.DurationS) {
					draining = true
					drainDeadline = tick.Add(p.drainTimeout)
					p.setState(StateDraining)
					continue
				}

				currentRate := p.instantaneousRate(tEffS)
				credit += currentRate * TickPeriod.Seconds()
				p.limiter.SetLimit(rate.Limit(math.Max(currentRate, 0.001)))
				for credit >= 1 {
					if !p.limiter.Allow() {
						break // leftover credit carries to the next tick
					}
					p.launcher.TryLaunch(runCtx)
					credit--
				}
				continue
			}

			if p.launcher.InFlight() == 0 || !tick.Before(drainDeadline) {
				cancel() // force-cancel any stragglers, cooperative runners exit at their next yield point
				return
			}
		}
	}
}

func (p *Pacer) instantaneousRate(tEffS float64) float64 {
	n := 1
	if p.aliveCount != nil {
		if v := p.aliveCount(); v > 0 {
			n = v
		}
	}

	ramp := 1.0
	if p.model.RampS > 0 {
		ramp = tEffS / p.model.RampS
		if ramp > 1 {
			ramp = 1
		}
		if ramp < 0 {
			ramp = 0
		}
	}

	return (p.model.TargetRPS / float64(n)) * ramp
}
