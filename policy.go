package admitsim

// policy.go holds the admission policies that decide whether, and along which
// candidate path, a service is provisioned

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownPolicy is returned by CreatePolicy for a name nobody registered
var ErrUnknownPolicy = errors.New("unknown routing policy")

// NoPath is the index a Policy returns with a rejection
const NoPath = -1

// Policy decides the fate of an arriving service.  paths holds the candidates for
// the service's endpoints, shortest first.  Route returns the index of the chosen
// candidate and true, or NoPath and false to reject.  A Policy reads the ledger
// through view and never changes it.
type Policy interface {
	Name() string
	Route(svc *Service, paths []*Path, view LedgerView) (int, bool)
}

// PolicyFunc lets an ordinary function serve as a Policy
type PolicyFunc struct {
	PolicyName string
	RouteFunc  func(svc *Service, paths []*Path, view LedgerView) (int, bool)
}

func (pf PolicyFunc) Name() string { return pf.PolicyName }

func (pf PolicyFunc) Route(svc *Service, paths []*Path, view LedgerView) (int, bool) {
	return pf.RouteFunc(svc, paths, view)
}

// ShortestAvailablePath takes the first candidate with room on every link
type ShortestAvailablePath struct{}

func (ShortestAvailablePath) Name() string { return "SAP" }

func (ShortestAvailablePath) Route(svc *Service, paths []*Path, view LedgerView) (int, bool) {
	for idx, p := range paths {
		if view.PathFree(p, svc.NumUnits) {
			return idx, true
		}
	}
	return NoPath, false
}

// LoadBalancing takes, among the candidates with room on every link, the one whose
// most loaded link carries the fewest units.  Ties go to the shorter candidate.
type LoadBalancing struct{}

func (LoadBalancing) Name() string { return "LB" }

func (LoadBalancing) Route(svc *Service, paths []*Path, view LedgerView) (int, bool) {
	selected := NoPath
	leastLoad := 0
	for idx, p := range paths {
		if !view.PathFree(p, svc.NumUnits) {
			continue
		}
		load := view.MaxLoad(p)
		if selected == NoPath || load < leastLoad {
			selected = idx
			leastLoad = load
		}
	}
	return selected, selected != NoPath
}

// registry of policy constructors, by upper-cased name
var (
	policyMu    sync.RWMutex
	policyCtors = map[string]func() Policy{
		"SAP": func() Policy { return ShortestAvailablePath{} },
		"SP":  func() Policy { return ShortestAvailablePath{} },
		"LB":  func() Policy { return LoadBalancing{} },
	}
)

// RegisterPolicy makes a policy available by name to CreatePolicy and to
// experiment configurations.  Names are case-insensitive.
func RegisterPolicy(name string, ctor func() Policy) error {
	key := strings.ToUpper(name)
	policyMu.Lock()
	defer policyMu.Unlock()
	if _, present := policyCtors[key]; present {
		return fmt.Errorf("policy %q already registered", name)
	}
	policyCtors[key] = ctor
	return nil
}

// CreatePolicy returns a new instance of the named policy
func CreatePolicy(name string) (Policy, error) {
	policyMu.RLock()
	ctor, present := policyCtors[strings.ToUpper(name)]
	policyMu.RUnlock()
	if !present {
		return nil, fmt.Errorf("%w: %w: %q", ErrConfig, ErrUnknownPolicy, name)
	}
	return ctor(), nil
}

// PolicyNames lists the registered names, sorted
func PolicyNames() []string {
	policyMu.RLock()
	defer policyMu.RUnlock()
	names := make([]string, 0, len(policyCtors))
	for name := range policyCtors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
