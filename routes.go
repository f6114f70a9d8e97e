package admitsim

// routes.go builds the table of candidate routes between every pair of nodes.

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The general approach is to convert the Topology into the data structures used by
// the gonum graph package, which has Yen's k-shortest loopless paths built in.
// Each link becomes an undirected edge weighted by the chosen metric.  The paths
// gonum returns, as sequences of graph nodes, are converted back into node names
// and the ids of the links between consecutive nodes.
//
// Because links are undirected the path set from a to b serves b to a as well;
// the reverse direction stores each path reversed so that every candidate starts at
// the source of the request it routes.

const (
	// WeightMetric orders paths by the sum of link weights
	WeightMetric = "weight"

	// LengthMetric orders paths by the sum of link lengths
	LengthMetric = "length"
)

// Path is one candidate route.  Nothing in it changes after the table is built.
type Path struct {
	Nodes  []string // node names, source first
	Links  []int    // link ids, Links[i] joins Nodes[i] and Nodes[i+1]
	Length float64  // sum of the routing metric over Links
	Hops   int
}

// String lists the node names on the path
func (p *Path) String() string {
	return strings.Join(p.Nodes, ",")
}

// reversed returns a copy of the path traversed in the opposite direction
func (p *Path) reversed() *Path {
	n := len(p.Nodes)
	rp := &Path{Nodes: make([]string, n), Links: make([]int, len(p.Links)), Length: p.Length, Hops: p.Hops}
	for idx, name := range p.Nodes {
		rp.Nodes[n-1-idx] = name
	}
	for idx, id := range p.Links {
		rp.Links[len(p.Links)-1-idx] = id
	}
	return rp
}

type rtEndpts struct {
	srcID, dstID int
}

// RouteTable maps each ordered pair of node indices to its candidate paths, ascending by length
type RouteTable struct {
	topo   *Topology
	k      int
	metric string
	paths  map[rtEndpts][]*Path
}

// linkMetric returns the value of a link under the named metric
func linkMetric(ls *linkStruct, metric string) float64 {
	if metric == LengthMetric {
		return ls.length
	}
	return ls.weight
}

// buildConnGraph returns the gonum representation of the topology, with node ids
// equal to topology node indices
func buildConnGraph(topo *Topology, metric string) graph.Graph {
	connGraph := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for idx := range topo.nodes {
		connGraph.AddNode(simple.Node(idx))
	}
	for idx := range topo.links {
		ls := &topo.links[idx]
		weightedEdge := simple.WeightedEdge{F: simple.Node(ls.nodeA), T: simple.Node(ls.nodeB), W: linkMetric(ls, metric)}
		connGraph.SetWeightedEdge(weightedEdge)
	}
	return connGraph
}

// BuildRouteTable computes, for every pair of nodes, the k shortest loopless paths
// under the named metric.  Pairs with fewer than k loopless paths get all of them.
func BuildRouteTable(topo *Topology, k int, metric string) (*RouteTable, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k_paths must be at least 1, got %d", ErrConfig, k)
	}
	if metric == "" {
		metric = WeightMetric
	}
	if metric != WeightMetric && metric != LengthMetric {
		return nil, fmt.Errorf("%w: unknown path metric %q", ErrConfig, metric)
	}

	rt := &RouteTable{topo: topo, k: k, metric: metric, paths: make(map[rtEndpts][]*Path)}
	connGraph := buildConnGraph(topo, metric)

	for srcID := range topo.nodes {
		for dstID := srcID + 1; dstID < len(topo.nodes); dstID++ {
			nodeSeqs := path.YenKShortestPaths(connGraph, k, math.Inf(1), simple.Node(srcID), simple.Node(dstID))

			fwd := make([]*Path, 0, len(nodeSeqs))
			rev := make([]*Path, 0, len(nodeSeqs))
			for _, nodeSeq := range nodeSeqs {
				p, err := rt.convertNodeSeq(nodeSeq)
				if err != nil {
					return nil, err
				}
				fwd = append(fwd, p)
				rev = append(rev, p.reversed())
			}
			rt.paths[rtEndpts{srcID: srcID, dstID: dstID}] = fwd
			rt.paths[rtEndpts{srcID: dstID, dstID: srcID}] = rev
		}
	}
	return rt, nil
}

// convertNodeSeq turns a sequence of gonum nodes into a Path
func (rt *RouteTable) convertNodeSeq(nodeSeq []graph.Node) (*Path, error) {
	p := &Path{Nodes: make([]string, 0, len(nodeSeq)), Links: make([]int, 0, len(nodeSeq))}
	for idx, node := range nodeSeq {
		nodeID := int(node.ID())
		p.Nodes = append(p.Nodes, rt.topo.nodes[nodeID])
		if idx == 0 {
			continue
		}
		linkID, present := rt.topo.LinkBetween(int(nodeSeq[idx-1].ID()), nodeID)
		if !present {
			return nil, fmt.Errorf("%w: route step %s to %s has no link", ErrInconsistentState,
				rt.topo.nodes[nodeSeq[idx-1].ID()], rt.topo.nodes[nodeID])
		}
		p.Links = append(p.Links, linkID)
		p.Length += linkMetric(&rt.topo.links[linkID], rt.metric)
	}
	p.Hops = len(p.Links)
	return p, nil
}

// K returns the maximum number of candidates kept per pair
func (rt *RouteTable) K() int {
	return rt.k
}

// Metric returns the name of the metric the paths are ordered by
func (rt *RouteTable) Metric() string {
	return rt.metric
}

// PathsByIndex returns the candidates from node index src to node index dst.
// The slice is shared by every replication and must not be modified.
func (rt *RouteTable) PathsByIndex(src, dst int) []*Path {
	return rt.paths[rtEndpts{srcID: src, dstID: dst}]
}

// Paths returns the candidates between two named nodes
func (rt *RouteTable) Paths(src, dst string) []*Path {
	srcID, srcOK := rt.topo.NodeIndex(src)
	dstID, dstOK := rt.topo.NodeIndex(dst)
	if !srcOK || !dstOK {
		return nil
	}
	return rt.PathsByIndex(srcID, dstID)
}

// PathDesc is the serializable description of a candidate path
type PathDesc struct {
	Nodes  []string `json:"nodes" yaml:"nodes"`
	Length float64  `json:"length" yaml:"length"`
	Hops   int      `json:"hops" yaml:"hops"`
}

// RoutesDesc lists the candidate paths of one ordered pair
type RoutesDesc struct {
	Src   string     `json:"src" yaml:"src"`
	Dst   string     `json:"dst" yaml:"dst"`
	Paths []PathDesc `json:"paths" yaml:"paths"`
}

// RouteTableDesc is a serializable copy of a RouteTable, for reporting code
type RouteTableDesc struct {
	Topology string       `json:"topology" yaml:"topology"`
	K        int          `json:"k" yaml:"k"`
	Metric   string       `json:"metric" yaml:"metric"`
	Routes   []RoutesDesc `json:"routes" yaml:"routes"`
}

// Describe copies the table into its serializable form, ordered by source then destination index
func (rt *RouteTable) Describe() *RouteTableDesc {
	rtd := &RouteTableDesc{Topology: rt.topo.name, K: rt.k, Metric: rt.metric, Routes: []RoutesDesc{}}
	for srcID, src := range rt.topo.nodes {
		for dstID, dst := range rt.topo.nodes {
			if srcID == dstID {
				continue
			}
			rd := RoutesDesc{Src: src, Dst: dst, Paths: []PathDesc{}}
			for _, p := range rt.PathsByIndex(srcID, dstID) {
				rd.Paths = append(rd.Paths, PathDesc{Nodes: append([]string(nil), p.Nodes...), Length: p.Length, Hops: p.Hops})
			}
			rtd.Routes = append(rtd.Routes, rd)
		}
	}
	return rtd
}

// WriteToFile stores the description to the named file, as yaml or json by extension
func (rtd *RouteTableDesc) WriteToFile(filename string) error {
	return writeDesc(filename, rtd)
}
