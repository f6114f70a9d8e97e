package admitsim

// sim.go holds the simulation driver: one Replication owns all the mutable state of
// one independently seeded run and drains its event queue to completion.

import (
	"context"
	"errors"
	"fmt"

	"github.com/iti/admitsim/internal/logging"
)

var (
	// ErrPolicyDecision marks a policy answer that names no candidate path
	ErrPolicyDecision = errors.New("policy returned an invalid decision")

	// ErrInconsistentState marks driver bookkeeping that contradicts itself
	ErrInconsistentState = errors.New("inconsistent simulation state")
)

// ServiceState is where a service stands in its life cycle
type ServiceState int

const (
	ServicePending ServiceState = iota
	ServiceProvisioned
	ServiceRejected
	ServiceReleased
)

var ssToStr map[ServiceState]string = map[ServiceState]string{ServicePending: "pending",
	ServiceProvisioned: "provisioned", ServiceRejected: "rejected", ServiceReleased: "released"}

func (ss ServiceState) String() string {
	str, present := ssToStr[ss]
	if !present {
		return fmt.Sprintf("ServiceState(%d)", int(ss))
	}
	return str
}

// Service is one request for capacity between two nodes
type Service struct {
	ID            int
	ArrivalTime   float64
	HoldingTime   float64
	Source        string
	SourceID      int
	Destination   string
	DestinationID int
	NumUnits      int

	Path      *Path // nil unless provisioned
	PathIndex int   // index of Path among the candidates, NoPath unless provisioned
	State     ServiceState
}

// Provisioned reports whether the service was accepted
func (svc *Service) Provisioned() bool {
	return svc.State == ServiceProvisioned || svc.State == ServiceReleased
}

// DepartureTime is when an accepted service gives its capacity back
func (svc *Service) DepartureTime() float64 {
	return svc.ArrivalTime + svc.HoldingTime
}

// ReplicationCfg identifies one replication and carries the parameters it runs with
type ReplicationCfg struct {
	ID              int
	Seed            int64
	Load            float64
	MeanHoldingTime float64
	NumArrivals     int
	UnitsPerLink    int
	UnitsPerService int
	TrackStatsEvery int
	PlotStatsEvery  int
	ReferenceBudget bool
	Trace           bool
}

// Replication is the per-run context handed to every event handler.  Nothing in
// it is shared with another replication except the read-only Topology and RouteTable.
type Replication struct {
	cfg    ReplicationCfg
	topo   *Topology
	routes *RouteTable
	policy Policy

	ledger *LinkLedger
	queue  *EventQueue
	gen    *TrafficGen

	// provisioned services not yet departed, by id
	running map[int]*Service

	processed int
	rejected  int

	stats    *StatsTracker
	trace    *TraceManager
	reporter ResultsReporter
	logger   logging.Logger
}

// CreateReplication is a constructor.  rngstrm must be private to the replication.
func CreateReplication(cfg ReplicationCfg, topo *Topology, routes *RouteTable, policy Policy,
	rngstrm RandStream, reporter ResultsReporter, logger logging.Logger) (*Replication, error) {

	if cfg.UnitsPerLink < 1 {
		return nil, fmt.Errorf("%w: resource units per link must be positive, got %d", ErrConfig, cfg.UnitsPerLink)
	}
	gen, err := CreateTrafficGen(rngstrm, topo.Nodes(), cfg.Load, cfg.MeanHoldingTime,
		cfg.NumArrivals, cfg.UnitsPerService, cfg.ReferenceBudget)
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	if logger == nil {
		logger = logging.Noop()
	}

	rep := new(Replication)
	rep.cfg = cfg
	rep.topo = topo
	rep.routes = routes
	rep.policy = policy
	rep.ledger = CreateLinkLedger(topo)
	rep.queue = CreateEventQueue()
	rep.gen = gen
	rep.running = make(map[int]*Service)
	rep.stats = CreateStatsTracker(cfg.TrackStatsEvery, cfg.PlotStatsEvery)
	rep.trace = CreateTraceManager(rep.Name(), cfg.Trace)
	rep.reporter = reporter
	rep.logger = logger.With(logging.String("policy", policy.Name()),
		logging.Any("load", cfg.Load), logging.Any("seed", cfg.Seed))
	return rep, nil
}

// Name identifies the replication as policy/load/seed
func (rep *Replication) Name() string {
	return fmt.Sprintf("%s/%g/%d", rep.policy.Name(), rep.cfg.Load, rep.cfg.Seed)
}

// Ledger exposes the link state, for inspection once Run has returned
func (rep *Replication) Ledger() *LinkLedger {
	return rep.ledger
}

// Trace returns the trace manager, active only when the configuration asked for a trace
func (rep *Replication) Trace() *TraceManager {
	return rep.trace
}

// Processed returns the number of arrivals evaluated
func (rep *Replication) Processed() int {
	return rep.processed
}

// Rejected returns the number of arrivals turned away
func (rep *Replication) Rejected() int {
	return rep.rejected
}

// BlockingRatio is rejected services over processed arrivals
func (rep *Replication) BlockingRatio() float64 {
	if rep.processed == 0 {
		return 0.0
	}
	return float64(rep.rejected) / float64(rep.processed)
}

// ctxCheckEvery is how many events pass between looks at the context
const ctxCheckEvery = 1024

// Run executes the replication until its event queue drains, and returns its summary.
// A cancelled context abandons the run; a broken invariant aborts it with an error.
func (rep *Replication) Run(ctx context.Context) (*ReplicationSummary, error) {
	rep.ledger.Reset(rep.cfg.UnitsPerLink)
	rep.logger.Debug(ctx, "replication starting")

	if err := rep.scheduleNextArrival(); err != nil {
		return nil, rep.abort(err)
	}

	dispatched := 0
	for {
		ev, ok := rep.queue.Pop()
		if !ok {
			break
		}
		var err error
		switch ev.Kind {
		case ArrivalEvent:
			err = rep.arrival(ev)
		case DepartureEvent:
			err = rep.departure(ev)
		default:
			err = fmt.Errorf("%w: unknown event kind %d", ErrInconsistentState, ev.Kind)
		}
		if err != nil {
			return nil, rep.abort(err)
		}

		dispatched += 1
		if dispatched%ctxCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
		}
	}

	if len(rep.running) != 0 {
		return nil, rep.abort(fmt.Errorf("%w: %d services still running after the queue drained",
			ErrInconsistentState, len(rep.running)))
	}

	summary := rep.stats.Summarize(rep)
	rep.logger.Debug(ctx, "replication finished",
		logging.Int("processed", rep.processed),
		logging.Int("rejected", rep.rejected),
		logging.Any("blocking_ratio", summary.BlockingRatio))
	return summary, nil
}

func (rep *Replication) abort(err error) error {
	return fmt.Errorf("replication %s: %w", rep.Name(), err)
}

// scheduleNextArrival asks the generator for another arrival and queues it
func (rep *Replication) scheduleNextArrival() error {
	svc, ok := rep.gen.Next()
	if !ok {
		return nil
	}
	return rep.queue.Push(&Event{Time: svc.ArrivalTime, Kind: ArrivalEvent, Svc: svc})
}

// arrival evaluates a pending service against the policy, provisions or rejects it,
// and queues the next arrival
func (rep *Replication) arrival(ev *Event) error {
	svc := ev.Svc
	if svc.State != ServicePending {
		return fmt.Errorf("%w: arrival of service %d in state %s", ErrInconsistentState, svc.ID, svc.State)
	}
	rep.processed += 1

	paths := rep.routes.PathsByIndex(svc.SourceID, svc.DestinationID)
	idx, accepted := rep.policy.Route(svc, paths, rep.ledger)

	outcome := ServiceRejected.String()
	if accepted {
		if idx < 0 || idx >= len(paths) {
			return fmt.Errorf("%w: %s chose path %d of %d for service %d", ErrPolicyDecision,
				rep.policy.Name(), idx, len(paths), svc.ID)
		}
		if err := rep.provision(svc, paths[idx], idx); err != nil {
			return err
		}
		outcome = ServiceProvisioned.String()
	} else {
		svc.State = ServiceRejected
		rep.rejected += 1
	}
	rep.trace.AddEventTrace(ev, outcome)

	if rep.stats.trackDue(rep.processed) {
		rep.stats.Track(rep.BlockingRatio(), rep.ledger.MeanOccupancy())
	}
	if rep.stats.plotDue(rep.processed) {
		rep.reporter.ReplicationProgress(rep.progress())
	}

	return rep.scheduleNextArrival()
}

// provision reserves capacity along the chosen path and schedules the departure
func (rep *Replication) provision(svc *Service, p *Path, idx int) error {
	svc.Path = p
	svc.PathIndex = idx
	if err := rep.ledger.Provision(svc, rep.queue.Now()); err != nil {
		return err
	}
	svc.State = ServiceProvisioned
	rep.running[svc.ID] = svc
	return rep.queue.Push(&Event{Time: svc.DepartureTime(), Kind: DepartureEvent, Svc: svc})
}

// departure returns a provisioned service's capacity
func (rep *Replication) departure(ev *Event) error {
	svc := ev.Svc
	if svc.State != ServiceProvisioned {
		return fmt.Errorf("%w: departure of service %d in state %s", ErrInconsistentState, svc.ID, svc.State)
	}
	if _, present := rep.running[svc.ID]; !present {
		return fmt.Errorf("%w: departure of service %d that is not running", ErrInconsistentState, svc.ID)
	}
	if err := rep.ledger.Release(svc, rep.queue.Now()); err != nil {
		return err
	}
	svc.State = ServiceReleased
	delete(rep.running, svc.ID)
	rep.trace.AddEventTrace(ev, ServiceReleased.String())
	return nil
}

// progress builds the snapshot handed to the reporter
func (rep *Replication) progress() ProgressSnapshot {
	return ProgressSnapshot{
		Replication: rep.Name(),
		Policy:      rep.policy.Name(),
		Load:        rep.cfg.Load,
		Seed:        rep.cfg.Seed,
		Processed:   rep.processed,
		Rejected:    rep.rejected,
		Now:         rep.queue.Now(),
		Tracked:     rep.stats.Tracked(),
	}
}
