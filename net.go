package admitsim

// net.go holds the run-time representation of the network: the immutable
// Topology built from a TopoDesc, and the LinkLedger that carries the mutable
// capacity and utilization state of every link over one replication.

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrCapacityViolation marks an attempt to reserve more units than a link has
// free, or to return units a link never handed out
var ErrCapacityViolation = errors.New("link capacity invariant violated")

// nodePair is the key for an undirected link, with lo <= hi
type nodePair struct {
	lo, hi int
}

func makeNodePair(a, b int) nodePair {
	if a > b {
		a, b = b, a
	}
	return nodePair{lo: a, hi: b}
}

// linkStruct holds the immutable description of one link
type linkStruct struct {
	name   string
	number int // dense id, the index into Topology.links
	nodeA  int
	nodeB  int
	weight float64
	length float64
}

// LinkInfo is a read-only copy of a link's static attributes
type LinkInfo struct {
	ID     int
	Name   string
	NodeA  string
	NodeB  string
	Weight float64
	Length float64
}

// Topology is the structure of the network: a stable list of node names, and
// links indexed densely by integer id.  Nothing in it changes once built, so a
// single Topology is shared by every replication of an experiment.
type Topology struct {
	name      string
	nodes     []string
	nodeIdx   map[string]int
	links     []linkStruct
	linkByEnd map[nodePair]int
	geo       bool
}

// CreateTopology is a constructor, building a Topology from its description.
// Every problem found in the description is reported in the returned error.
func CreateTopology(td *TopoDesc) (*Topology, error) {
	topo := new(Topology)
	topo.name = td.Name
	topo.geo = td.CoordinatesType == "geographical"
	topo.nodes = make([]string, 0, len(td.Nodes))
	topo.nodeIdx = make(map[string]int)
	topo.links = make([]linkStruct, 0, len(td.Links))
	topo.linkByEnd = make(map[nodePair]int)

	errs := []error{}
	for _, node := range td.Nodes {
		if _, present := topo.nodeIdx[node.Name]; present {
			errs = append(errs, fmt.Errorf("node %q declared twice", node.Name))
			continue
		}
		topo.nodeIdx[node.Name] = len(topo.nodes)
		topo.nodes = append(topo.nodes, node.Name)
	}

	for _, lnk := range td.Links {
		a, aOK := topo.nodeIdx[lnk.Src]
		b, bOK := topo.nodeIdx[lnk.Dst]
		if !aOK || !bOK {
			errs = append(errs, fmt.Errorf("link %q references unknown node", lnk.Name))
			continue
		}
		if a == b {
			errs = append(errs, fmt.Errorf("link %q is a self-loop", lnk.Name))
			continue
		}
		ends := makeNodePair(a, b)
		if _, present := topo.linkByEnd[ends]; present {
			errs = append(errs, fmt.Errorf("link %q duplicates an existing link between %s and %s",
				lnk.Name, lnk.Src, lnk.Dst))
			continue
		}
		weight := lnk.Weight
		if weight == 0 {
			weight = 1.0
		}
		if weight < 0 || lnk.Length < 0 {
			errs = append(errs, fmt.Errorf("link %q has a negative weight or length", lnk.Name))
			continue
		}
		number := len(topo.links)
		topo.links = append(topo.links, linkStruct{name: lnk.Name, number: number,
			nodeA: a, nodeB: b, weight: weight, length: lnk.Length})
		topo.linkByEnd[ends] = number
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: topology %s: %w", ErrConfig, td.Name, ReportErrs(errs))
	}
	return topo, nil
}

// Name returns the name of the topology
func (topo *Topology) Name() string {
	return topo.name
}

// Geographical reports whether link lengths are great-circle distances in km
func (topo *Topology) Geographical() bool {
	return topo.geo
}

// Nodes returns the node names in index order.  The slice is shared, do not modify it.
func (topo *Topology) Nodes() []string {
	return topo.nodes
}

// NumNodes returns the number of nodes
func (topo *Topology) NumNodes() int {
	return len(topo.nodes)
}

// NumLinks returns the number of links
func (topo *Topology) NumLinks() int {
	return len(topo.links)
}

// NodeIndex returns the index of the named node
func (topo *Topology) NodeIndex(name string) (int, bool) {
	idx, present := topo.nodeIdx[name]
	return idx, present
}

// LinkBetween returns the id of the link joining the two node indices, in either order
func (topo *Topology) LinkBetween(a, b int) (int, bool) {
	id, present := topo.linkByEnd[makeNodePair(a, b)]
	return id, present
}

// Link returns the static attributes of the link with the given id
func (topo *Topology) Link(id int) LinkInfo {
	ls := topo.links[id]
	return LinkInfo{ID: ls.number, Name: ls.name, NodeA: topo.nodes[ls.nodeA], NodeB: topo.nodes[ls.nodeB],
		Weight: ls.weight, Length: ls.length}
}

// linkState is the mutable part of a link, one per link per replication
type linkState struct {
	totalUnits  int
	availUnits  int
	running     map[int]*Service // id of a service provisioned across the link
	utilization float64          // time-weighted fraction of capacity in use since time 0
	lastUpdate  float64
}

// LedgerView is the read-only face of the LinkLedger that admission policies see
type LedgerView interface {
	Available(link int) int
	Total(link int) int
	InUse(link int) int
	PathFree(p *Path, units int) bool
	MaxLoad(p *Path) int
}

// LinkLedger carries the capacity and utilization state of every link of a
// Topology.  A ledger belongs to exactly one replication.
type LinkLedger struct {
	topo  *Topology
	links []linkState
}

// CreateLinkLedger is a constructor.  The ledger has no capacity until Reset is called.
func CreateLinkLedger(topo *Topology) *LinkLedger {
	ll := new(LinkLedger)
	ll.topo = topo
	ll.links = make([]linkState, topo.NumLinks())
	return ll
}

// Reset gives every link unitsPerLink units of capacity, all of them free,
// and forgets all running services and accumulated utilization
func (ll *LinkLedger) Reset(unitsPerLink int) {
	for idx := range ll.links {
		ll.links[idx] = linkState{
			totalUnits: unitsPerLink,
			availUnits: unitsPerLink,
			running:    make(map[int]*Service),
		}
	}
}

// Provision reserves the service's units on every link of its path.  Nothing is
// changed if any link along the path is short of capacity.
func (ll *LinkLedger) Provision(svc *Service, now float64) error {
	if svc.Path == nil {
		return fmt.Errorf("%w: service %d provisioned without a path", ErrInconsistentState, svc.ID)
	}
	for _, id := range svc.Path.Links {
		ls := &ll.links[id]
		if ls.availUnits < svc.NumUnits {
			return fmt.Errorf("%w: service %d needs %d units on link %s, %d available",
				ErrCapacityViolation, svc.ID, svc.NumUnits, ll.topo.links[id].name, ls.availUnits)
		}
		if _, present := ls.running[svc.ID]; present {
			return fmt.Errorf("%w: service %d already running on link %s",
				ErrInconsistentState, svc.ID, ll.topo.links[id].name)
		}
	}

	for _, id := range svc.Path.Links {
		ls := &ll.links[id]
		ls.availUnits -= svc.NumUnits
		ls.running[svc.ID] = svc
		ll.updateUtilization(id, now)
	}
	return nil
}

// Release returns the service's units to every link of its path.  It is the exact inverse of Provision.
func (ll *LinkLedger) Release(svc *Service, now float64) error {
	if svc.Path == nil {
		return fmt.Errorf("%w: service %d released without a path", ErrInconsistentState, svc.ID)
	}
	for _, id := range svc.Path.Links {
		ls := &ll.links[id]
		if _, present := ls.running[svc.ID]; !present {
			return fmt.Errorf("%w: service %d is not running on link %s",
				ErrCapacityViolation, svc.ID, ll.topo.links[id].name)
		}
		if ls.availUnits+svc.NumUnits > ls.totalUnits {
			return fmt.Errorf("%w: releasing %d units of service %d overfills link %s",
				ErrCapacityViolation, svc.NumUnits, svc.ID, ll.topo.links[id].name)
		}
	}

	for _, id := range svc.Path.Links {
		ls := &ll.links[id]
		ls.availUnits += svc.NumUnits
		delete(ls.running, svc.ID)
		ll.updateUtilization(id, now)
	}
	return nil
}

// updateUtilization folds the occupancy the link has held since its last update
// into its time-weighted average from time 0
func (ll *LinkLedger) updateUtilization(id int, now float64) {
	ls := &ll.links[id]
	if now > 0 && ls.totalUnits > 0 {
		priorTime := ls.lastUpdate
		dt := now - priorTime
		curFrac := float64(ls.totalUnits-ls.availUnits) / float64(ls.totalUnits)
		ls.utilization = (ls.utilization*priorTime + curFrac*dt) / now
	}
	ls.lastUpdate = now
}

// Available returns the free units on a link
func (ll *LinkLedger) Available(link int) int {
	return ll.links[link].availUnits
}

// Total returns the capacity of a link
func (ll *LinkLedger) Total(link int) int {
	return ll.links[link].totalUnits
}

// InUse returns the units of a link currently reserved
func (ll *LinkLedger) InUse(link int) int {
	return ll.links[link].totalUnits - ll.links[link].availUnits
}

// Utilization returns the time-weighted utilization of a link as of its last update
func (ll *LinkLedger) Utilization(link int) float64 {
	return ll.links[link].utilization
}

// LastUpdate returns the simulation time the link was last changed
func (ll *LinkLedger) LastUpdate(link int) float64 {
	return ll.links[link].lastUpdate
}

// Running returns the number of services provisioned across a link
func (ll *LinkLedger) Running(link int) int {
	return len(ll.links[link].running)
}

// PathFree reports whether every link of the path has at least units free
func (ll *LinkLedger) PathFree(p *Path, units int) bool {
	for _, id := range p.Links {
		if ll.links[id].availUnits < units {
			return false
		}
	}
	return true
}

// MaxLoad returns the largest number of units in use on any link of the path
func (ll *LinkLedger) MaxLoad(p *Path) int {
	maxLoad := 0
	for _, id := range p.Links {
		maxLoad = max(maxLoad, ll.InUse(id))
	}
	return maxLoad
}

// LinkUtilizations returns the time-weighted utilization of every link, in link id order
func (ll *LinkLedger) LinkUtilizations() []float64 {
	utils := make([]float64, len(ll.links))
	for idx := range ll.links {
		utils[idx] = ll.links[idx].utilization
	}
	return utils
}

// MeanUtilization averages the time-weighted utilization over all links
func (ll *LinkLedger) MeanUtilization() float64 {
	if len(ll.links) == 0 {
		return 0.0
	}
	return stat.Mean(ll.LinkUtilizations(), nil)
}

// MeanOccupancy averages, over all links, the fraction of capacity in use right now
func (ll *LinkLedger) MeanOccupancy() float64 {
	if len(ll.links) == 0 {
		return 0.0
	}
	occ := make([]float64, len(ll.links))
	for idx, ls := range ll.links {
		if ls.totalUnits > 0 {
			occ[idx] = float64(ls.totalUnits-ls.availUnits) / float64(ls.totalUnits)
		}
	}
	return stat.Mean(occ, nil)
}

// CheckBounds returns an error naming the first link whose free units fall
// outside [0, total]
func (ll *LinkLedger) CheckBounds() error {
	for idx, ls := range ll.links {
		if ls.availUnits < 0 || ls.availUnits > ls.totalUnits {
			return fmt.Errorf("%w: link %s has %d of %d units free",
				ErrCapacityViolation, ll.topo.links[idx].name, ls.availUnits, ls.totalUnits)
		}
	}
	return nil
}
