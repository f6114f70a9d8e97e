package admitsim

// flow-sim.go holds the traffic generator that produces the arrivals of one
// replication, and the random number streams it samples from

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
	"golang.org/x/exp/rand"
)

const (
	// PCGStream names streams from golang.org/x/exp/rand, seeded by the replication seed
	PCGStream = "pcg"

	// RngStreamStream names L'Ecuyer streams from github.com/iti/rngstream
	RngStreamStream = "rngstream"
)

// RandStream is the source of randomness of a replication.
// RandInt returns an integer uniformly drawn from [i, j], bounds included.
type RandStream interface {
	RandU01() float64
	RandInt(i, j int) int
}

// pcgStream adapts a seeded x/exp/rand generator to RandStream
type pcgStream struct {
	rng *rand.Rand
}

func (ps *pcgStream) RandU01() float64 {
	return ps.rng.Float64()
}

func (ps *pcgStream) RandInt(i, j int) int {
	return i + ps.rng.Intn(j-i+1)
}

// lecuyerStream adapts an rngstream stream to RandStream
type lecuyerStream struct {
	rngstrm *rngstream.RngStream
}

func (ls *lecuyerStream) RandU01() float64 {
	return ls.rngstrm.RandU01()
}

func (ls *lecuyerStream) RandInt(i, j int) int {
	return ls.rngstrm.RandInt(i, j)
}

// every component of an rngstream seed must lie in [1, m2), m2 being the smaller modulus
const lecuyerSeedBound = 4294944443

// lecuyerSeed expands seed into the six components of an rngstream seed
func lecuyerSeed(seed int64) []uint64 {
	src := rand.New(rand.NewSource(uint64(seed)))
	components := make([]uint64, 6)
	for idx := range components {
		components[idx] = 1 + src.Uint64n(lecuyerSeedBound-1)
	}
	return components
}

// CreateRandStream returns a stream of the named kind, a function of seed alone.
// name only labels rngstream streams.
func CreateRandStream(kind string, name string, seed int64) (RandStream, error) {
	switch kind {
	case "", PCGStream:
		return &pcgStream{rng: rand.New(rand.NewSource(uint64(seed)))}, nil
	case RngStreamStream:
		strm := rngstream.New(name)
		if !strm.SetSeed(lecuyerSeed(seed)) {
			return nil, fmt.Errorf("%w: no rngstream seed from %d", ErrConfig, seed)
		}
		return &lecuyerStream{rngstrm: strm}, nil
	}
	return nil, fmt.Errorf("%w: unknown random stream %q", ErrConfig, kind)
}

// TrafficGen produces the arrivals of one replication, one at a time, from
// a Poisson arrival process with exponentially distributed holding times
type TrafficGen struct {
	rngstrm RandStream
	nodes   []string

	// the arrival time of the most recently generated service
	currentTime float64

	meanHoldingTime      float64
	meanInterArrivalTime float64 // meanHoldingTime / load

	numArrivals     int  // arrival budget
	referenceBudget bool // produce numArrivals+1 arrivals
	unitsPerService int

	generated int
}

// CreateTrafficGen is a constructor.  load is the offered load in Erlangs, so
// the mean inter-arrival time is meanHoldingTime/load.
func CreateTrafficGen(rngstrm RandStream, nodes []string, load, meanHoldingTime float64,
	numArrivals, unitsPerService int, referenceBudget bool) (*TrafficGen, error) {

	if len(nodes) < 2 {
		return nil, fmt.Errorf("%w: traffic needs at least two nodes, topology has %d", ErrConfig, len(nodes))
	}
	if load <= 0 || meanHoldingTime <= 0 {
		return nil, fmt.Errorf("%w: load (%g) and mean holding time (%g) must be positive",
			ErrConfig, load, meanHoldingTime)
	}
	tg := new(TrafficGen)
	tg.rngstrm = rngstrm
	tg.nodes = nodes
	tg.meanHoldingTime = meanHoldingTime
	tg.meanInterArrivalTime = meanHoldingTime / load
	tg.numArrivals = numArrivals
	tg.referenceBudget = referenceBudget
	tg.unitsPerService = max(unitsPerService, 1)
	return tg, nil
}

// MeanInterArrivalTime returns the mean time between arrivals
func (tg *TrafficGen) MeanInterArrivalTime() float64 {
	return tg.meanInterArrivalTime
}

// Generated returns the number of arrivals produced so far
func (tg *TrafficGen) Generated() int {
	return tg.generated
}

// exhausted reports whether the arrival budget is spent.  The reference budget
// stops only once the count has exceeded numArrivals.
func (tg *TrafficGen) exhausted() bool {
	if tg.referenceBudget {
		return tg.generated > tg.numArrivals
	}
	return tg.generated >= tg.numArrivals
}

// Next returns the next arrival, or false once the budget is spent
func (tg *TrafficGen) Next() (*Service, bool) {
	if tg.exhausted() {
		return nil, false
	}

	interArrival := expRV(tg.rngstrm.RandU01(), 1.0/tg.meanInterArrivalTime)
	tg.currentTime += interArrival

	holding := expRV(tg.rngstrm.RandU01(), 1.0/tg.meanHoldingTime)

	last := len(tg.nodes) - 1
	srcID := tg.rngstrm.RandInt(0, last)
	dstID := srcID
	for dstID == srcID {
		dstID = tg.rngstrm.RandInt(0, last)
	}

	tg.generated += 1
	svc := &Service{
		ID:            tg.generated,
		ArrivalTime:   tg.currentTime,
		HoldingTime:   holding,
		Source:        tg.nodes[srcID],
		SourceID:      srcID,
		Destination:   tg.nodes[dstID],
		DestinationID: dstID,
		NumUnits:      tg.unitsPerService,
		PathIndex:     NoPath,
		State:         ServicePending,
	}
	return svc, true
}

// round computed values to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}
