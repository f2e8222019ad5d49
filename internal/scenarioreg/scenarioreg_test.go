package scenarioreg

import (
	"context"
	"testing"

	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

type noopJourney struct{}

func (noopJourney) Name() string { return "noop" }
func (noopJourney) Run(ctx context.Context, row any) ([]scenariodef.Outcome, error) {
	return nil, nil
}

func TestRegisterAndLoad(t *testing.T) {
	Register("test:Sample", func() scenariodef.Scenario {
		return scenariodef.Scenario{
			Journeys: []scenariodef.JourneyDescriptor{
				{Journey: noopJourney{}, Volume: scenariodef.VolumeModel{TargetRPS: 1, DurationS: 1}},
			},
		}
	})

	s, err := Load("test:Sample")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "test:Sample" {
		t.Fatalf("expected scenario_id to be the spec string, got %q", s.ID)
	}
	if len(s.Journeys) != 1 {
		t.Fatalf("expected 1 journey, got %d", len(s.Journeys))
	}
}

func TestLoadUnregisteredSpec(t *testing.T) {
	if _, err := Load("no-such-module:Attr"); err == nil {
		t.Fatal("expected an error for an unregistered spec")
	}
}
