// Package scenarioreg is the loader-side half of the scenario module
// contract (§6): scenario authoring itself is out of scope, but the
// core still needs a way for a "module:attr" -j argument to resolve to
// a scenariodef.Scenario at startup. Modules register themselves the
// way remote-procedure-call's extensions package registers plugins
// (a name-keyed map populated by each module's own init()); the core
// never needs to know what a registered scenario actually does.
package scenarioreg

import (
	"fmt"
	"sync"

	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

// Factory builds a fresh Scenario for one "-j module:attr" invocation.
type Factory func() scenariodef.Scenario

var (
	mu      sync.Mutex
	modules = map[string]Factory{}
)

// Register announces a scenario module under name, the spec passed to
// -j. Intended to be called from a module's init().
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	modules[name] = f
}

// Load builds the Scenario named by spec and assigns it spec as its
// scenario_id: since every node in the cluster is expected to run with
// the same -j argument (§9's "same scenario catalog" resolution of the
// serializability gap), the spec string itself is a stable,
// cluster-wide-agreed identifier a remote node can use to resolve a
// gossiped SCENARIO_START without exchanging the non-serializable
// Journey callables.
func Load(spec string) (scenariodef.Scenario, error) {
	mu.Lock()
	f, ok := modules[spec]
	mu.Unlock()
	if !ok {
		return scenariodef.Scenario{}, fmt.Errorf("scenarioreg: no scenario module registered under %q", spec)
	}
	s := f()
	s.ID = spec
	return s, nil
}
