// Package scenariodef is the external contract the core requires from
// the scenario-authoring surface (out of scope per spec §1): a
// scenario is a bounded-lifetime collection of journeys, each bound to
// exactly one Volume Model and optionally one Datapool Descriptor.
package scenariodef

import (
	"context"
	"time"
)

// Status classifies one request outcome emitted by a journey.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

// Outcome is one request result a Journey yields for a single
// iteration: label, duration, and status (with an error kind when
// Status is StatusError).
type Outcome struct {
	Label      string
	Duration   time.Duration
	Status     Status
	ErrorKind  string
}

// Journey is the narrow capability surface a user-authored journey
// must implement: one iteration, given an optional datapool row and a
// cancellation-aware context, yields a sequence of request outcomes.
// Isolation/sandboxing of the journey's own code is out of scope; the
// caller trusts the journey binary.
type Journey interface {
	Name() string
	Run(ctx context.Context, row any) ([]Outcome, error)
}

// VolumeModel describes the cluster-wide desired request rate for one
// journey: target_rps, duration_s, ramp_s.
type VolumeModel struct {
	TargetRPS   float64
	DurationS   float64
	RampS       float64
}

// DatapoolKind discriminates the four Datapool Descriptor variants.
type DatapoolKind int

const (
	DatapoolNone DatapoolKind = iota
	InMemoryOnce
	InMemoryRecycle
	FileOnce
	FileRecycle
)

// DatapoolDescriptor describes the data source bound to a journey.
type DatapoolDescriptor struct {
	Kind DatapoolKind
	Rows []any  // for InMemoryOnce / InMemoryRecycle
	Path string // for FileOnce / FileRecycle
}

// JourneyDescriptor attaches a Journey to exactly one Volume Model and
// optionally one Datapool Descriptor.
type JourneyDescriptor struct {
	Journey  Journey
	Volume   VolumeModel
	Datapool *DatapoolDescriptor
}

// Scenario is `{scenario_id, started_at, journeys, start_delay_s}`.
// scenario_id is expected to be globally unique (the caller is
// responsible for generating it, e.g. with a random UUID/XID).
type Scenario struct {
	ID              string
	StartedAt       time.Time
	Journeys        []JourneyDescriptor
	StartDelayS     float64
	RequestTimeoutS float64 // per-scenario override of the default request timeout
}
