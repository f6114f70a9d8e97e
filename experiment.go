package admitsim

// experiment.go has code that builds an experiment from its configuration and
// runs all of its replications, several at a time

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/iti/admitsim/internal/logging"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks a configuration that cannot be run.  It is reported before any
// replication starts.
var ErrConfig = errors.New("invalid configuration")

// ExpCfg is the serializable configuration of an experiment.  Each replication runs
// one policy at one load with one seed; the experiment runs every combination.
type ExpCfg struct {
	Name         string `json:"name" yaml:"name"`
	TopologyFile string `json:"topology_file" yaml:"topology_file"`

	// seconds
	MeanHoldingTime float64 `json:"mean_service_holding_time" yaml:"mean_service_holding_time"`

	// offered loads in Erlangs.  When empty the loads run from MinLoad to MaxLoad by LoadStep
	Loads    []float64 `json:"loads" yaml:"loads"`
	MinLoad  float64   `json:"min_load" yaml:"min_load"`
	MaxLoad  float64   `json:"max_load" yaml:"max_load"`
	LoadStep float64   `json:"load_step" yaml:"load_step"`

	NumArrivals     int `json:"num_arrivals" yaml:"num_arrivals"`
	KPaths          int `json:"k_paths" yaml:"k_paths"`
	UnitsPerLink    int `json:"resource_units_per_link" yaml:"resource_units_per_link"`
	UnitsPerService int `json:"units_per_service" yaml:"units_per_service"`
	NumSeeds        int `json:"num_seeds" yaml:"num_seeds"`
	TrackStatsEvery int `json:"track_stats_every" yaml:"track_stats_every"`
	PlotStatsEvery  int `json:"plot_stats_every" yaml:"plot_stats_every"`

	Seed     int64    `json:"seed" yaml:"seed"`
	Policies []string `json:"policies" yaml:"policies"`
	Threads  int      `json:"threads" yaml:"threads"`

	PathMetric string `json:"path_metric" yaml:"path_metric"`
	RNG        string `json:"rng" yaml:"rng"`

	// stop only once numArrivals is exceeded, running numArrivals+1 arrivals
	ReferenceBudget bool `json:"reference_budget" yaml:"reference_budget"`

	// write a trace of every replication's dispatched events to OutputDir
	Trace bool `json:"trace" yaml:"trace"`

	// interval between partial result reports, as a Go duration; "0" turns them off
	ReportEvery string `json:"report_every" yaml:"report_every"`

	OutputDir string `json:"output_dir" yaml:"output_dir"`
}

// DefaultExpCfg returns the configuration with every default filled in
func DefaultExpCfg() *ExpCfg {
	return &ExpCfg{
		Name:            "admitsim",
		MeanHoldingTime: 86400.0,
		Loads:           []float64{50},
		NumArrivals:     10000,
		KPaths:          5,
		UnitsPerLink:    80,
		UnitsPerService: 1,
		NumSeeds:        25,
		TrackStatsEvery: 100,
		PlotStatsEvery:  1000,
		Seed:            42,
		Policies:        []string{"SAP", "LB"},
		Threads:         6,
		PathMetric:      WeightMetric,
		RNG:             PCGStream,
		ReportEvery:     "20s",
		OutputDir:       "data",
	}
}

// ReadExpCfg deserializes a configuration.  If the input argument of dict (the bytes) is empty,
// the file whose name is given is read to acquire them.  Values absent from the
// representation keep their defaults.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	cfg := DefaultExpCfg()
	defaultLoads := cfg.Loads
	cfg.Loads = nil
	if useYAML {
		err = yaml.Unmarshal(dict, cfg)
	} else {
		err = json.Unmarshal(dict, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, filename, err)
	}

	// a load range given in place of a list replaces the default list
	if len(cfg.Loads) == 0 && cfg.MaxLoad <= 0 {
		cfg.Loads = defaultLoads
	}
	return cfg, nil
}

// WriteToFile stores the configuration to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *ExpCfg) WriteToFile(filename string) error {
	return writeDesc(filename, cfg)
}

// LoadPoints returns the loads the experiment runs
func (cfg *ExpCfg) LoadPoints() []float64 {
	if len(cfg.Loads) > 0 {
		return append([]float64{}, cfg.Loads...)
	}
	loads := []float64{}
	if cfg.LoadStep <= 0 || cfg.MinLoad <= 0 {
		return loads
	}
	for load := cfg.MinLoad; load <= cfg.MaxLoad+1e-9; load += cfg.LoadStep {
		loads = append(loads, load)
	}
	return loads
}

// reportInterval parses ReportEvery as a duration, or as whole seconds when it
// carries no unit; an empty value means the default
func (cfg *ExpCfg) reportInterval() (time.Duration, error) {
	if cfg.ReportEvery == "" {
		return 20 * time.Second, nil
	}
	if secs, err := strconv.Atoi(cfg.ReportEvery); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(cfg.ReportEvery)
}

// Validate reports every problem with the configuration in one error
func (cfg *ExpCfg) Validate() error {
	errs := []error{}
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", name, v))
		}
	}
	positive("mean_service_holding_time", cfg.MeanHoldingTime)
	positive("num_arrivals", float64(cfg.NumArrivals))
	positive("k_paths", float64(cfg.KPaths))
	positive("resource_units_per_link", float64(cfg.UnitsPerLink))
	positive("units_per_service", float64(cfg.UnitsPerService))
	positive("num_seeds", float64(cfg.NumSeeds))
	positive("track_stats_every", float64(cfg.TrackStatsEvery))
	positive("threads", float64(cfg.Threads))

	if cfg.PlotStatsEvery > 0 && cfg.PlotStatsEvery < cfg.TrackStatsEvery {
		errs = append(errs, fmt.Errorf("plot_stats_every (%d) is smaller than track_stats_every (%d)",
			cfg.PlotStatsEvery, cfg.TrackStatsEvery))
	}
	if cfg.UnitsPerService > cfg.UnitsPerLink {
		errs = append(errs, fmt.Errorf("units_per_service (%d) exceeds resource_units_per_link (%d)",
			cfg.UnitsPerService, cfg.UnitsPerLink))
	}

	loads := cfg.LoadPoints()
	if len(loads) == 0 {
		errs = append(errs, errors.New("no loads to run"))
	}
	for _, load := range loads {
		positive("load", load)
	}

	if len(cfg.Policies) == 0 {
		errs = append(errs, errors.New("no policies to run"))
	}
	seen := []string{}
	for _, name := range cfg.Policies {
		policy, err := CreatePolicy(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if slices.Contains(seen, policy.Name()) {
			errs = append(errs, fmt.Errorf("policy %s listed twice", policy.Name()))
		}
		seen = append(seen, policy.Name())
	}

	if cfg.PathMetric != "" && cfg.PathMetric != WeightMetric && cfg.PathMetric != LengthMetric {
		errs = append(errs, fmt.Errorf("unknown path_metric %q", cfg.PathMetric))
	}
	if cfg.RNG != "" && cfg.RNG != PCGStream && cfg.RNG != RngStreamStream {
		errs = append(errs, fmt.Errorf("unknown rng %q", cfg.RNG))
	}
	if d, err := cfg.reportInterval(); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("report_every %q is not a non-negative duration", cfg.ReportEvery))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, ReportErrs(errs))
	}
	return nil
}

// ExpOption adjusts an Experiment as it is built
type ExpOption func(*Experiment)

// WithReporter sets the ResultsReporter that receives progress and results
func WithReporter(reporter ResultsReporter) ExpOption {
	return func(exp *Experiment) { exp.reporter = reporter }
}

// WithMetrics sets the Prometheus collectors updated as replications finish
func WithMetrics(metrics *Metrics) ExpOption {
	return func(exp *Experiment) { exp.metrics = metrics }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) ExpOption {
	return func(exp *Experiment) { exp.logger = logger }
}

// Experiment holds what every replication of a configuration shares: the topology
// and the route table, both read-only, and the collection results go into
type Experiment struct {
	cfg         *ExpCfg
	topo        *Topology
	routes      *RouteTable
	policies    []string
	loads       []float64
	reportEvery time.Duration

	results  *Results
	metrics  *Metrics
	reporter ResultsReporter
	logger   logging.Logger
}

// BuildExperiment validates the configuration, builds the topology from its description
// and computes the route table.  Every error it returns wraps ErrConfig.
func BuildExperiment(cfg *ExpCfg, td *TopoDesc, opts ...ExpOption) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp := &Experiment{cfg: cfg, loads: cfg.LoadPoints(), results: CreateResults(),
		reporter: NopReporter{}, logger: logging.Noop()}
	for _, opt := range opts {
		opt(exp)
	}
	exp.reportEvery, _ = cfg.reportInterval()

	for _, name := range cfg.Policies {
		policy, _ := CreatePolicy(name)
		exp.policies = append(exp.policies, policy.Name())
	}

	topo, err := CreateTopology(td)
	if err != nil {
		return nil, err
	}
	if topo.NumNodes() < 2 {
		return nil, fmt.Errorf("%w: topology %s has fewer than two nodes", ErrConfig, topo.Name())
	}
	exp.topo = topo

	start := time.Now()
	exp.routes, err = BuildRouteTable(topo, cfg.KPaths, cfg.PathMetric)
	if err != nil {
		return nil, err
	}
	exp.logger.Info(context.Background(), "route table built",
		logging.String("topology", topo.Name()),
		logging.Int("nodes", topo.NumNodes()),
		logging.Int("links", topo.NumLinks()),
		logging.Bool("geographical", topo.Geographical()),
		logging.Int("k_paths", cfg.KPaths),
		logging.Any("elapsed", time.Since(start)))

	return exp, nil
}

// Topology returns the shared topology
func (exp *Experiment) Topology() *Topology {
	return exp.topo
}

// Routes returns the shared route table
func (exp *Experiment) Routes() *RouteTable {
	return exp.routes
}

// Results returns the collection the replications report into
func (exp *Experiment) Results() *Results {
	return exp.results
}

// replicationJob is one (policy, load, seed) combination
type replicationJob struct {
	policy  string
	load    float64
	id      int
	rngstrm RandStream
}

func (exp *Experiment) replicationCfg(job replicationJob) ReplicationCfg {
	return ReplicationCfg{
		ID:              job.id,
		Seed:            exp.cfg.Seed + int64(job.id),
		Load:            job.load,
		MeanHoldingTime: exp.cfg.MeanHoldingTime,
		NumArrivals:     exp.cfg.NumArrivals,
		UnitsPerLink:    exp.cfg.UnitsPerLink,
		UnitsPerService: exp.cfg.UnitsPerService,
		TrackStatsEvery: exp.cfg.TrackStatsEvery,
		PlotStatsEvery:  exp.cfg.PlotStatsEvery,
		ReferenceBudget: exp.cfg.ReferenceBudget,
		Trace:           exp.cfg.Trace,
	}
}

// Run executes every replication of the experiment on cfg.Threads workers and
// returns the collected results.  The first replication to fail cancels those not yet
// finished, and its error is returned.
func (exp *Experiment) Run(ctx context.Context) (*ResultsDesc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exp.logger.Info(ctx, "experiment starting",
		logging.String("name", exp.cfg.Name),
		logging.Any("policies", exp.policies),
		logging.Any("loads", exp.loads),
		logging.Int("seeds", exp.cfg.NumSeeds),
		logging.Int("threads", exp.cfg.Threads))
	start := time.Now()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	jobs := make(chan replicationJob)
	for w := 0; w < exp.cfg.Threads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := exp.runJob(runCtx, job); err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}

	done := make(chan struct{})
	if exp.reportEvery > 0 {
		go func() {
			ticker := time.NewTicker(exp.reportEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					exp.reporter.PartialResults(exp.results.Desc(exp.cfg.Name))
				case <-done:
					return
				}
			}
		}()
	}

	err := exp.dispatch(runCtx, jobs)
	close(jobs)
	wg.Wait()
	close(done)

	if firstErr != nil {
		exp.logger.Error(ctx, "experiment aborted", logging.Err(firstErr))
		return nil, firstErr
	}
	if err != nil {
		return nil, err
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	rd := exp.results.Desc(exp.cfg.Name)
	exp.reporter.FinalResults(rd)
	exp.logger.Info(ctx, "experiment finished",
		logging.Int("replications", exp.results.Count()),
		logging.Any("elapsed", time.Since(start)))
	return rd, nil
}

// dispatch feeds the jobs to the workers in (policy, load, seed) order
func (exp *Experiment) dispatch(ctx context.Context, jobs chan<- replicationJob) error {
	for _, policy := range exp.policies {
		for _, load := range exp.loads {
			for id := 0; id < exp.cfg.NumSeeds; id++ {
				job := replicationJob{policy: policy, load: load, id: id}
				name := fmt.Sprintf("%s/%g/%d", policy, load, exp.cfg.Seed+int64(id))
				rngstrm, err := CreateRandStream(exp.cfg.RNG, name, exp.cfg.Seed+int64(id))
				if err != nil {
					return err
				}
				job.rngstrm = rngstrm
				select {
				case jobs <- job:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
	return nil
}

// runJob runs one replication and records its summary
func (exp *Experiment) runJob(ctx context.Context, job replicationJob) error {
	if ctx.Err() != nil {
		return nil
	}
	policy, err := CreatePolicy(job.policy)
	if err != nil {
		return err
	}
	rep, err := CreateReplication(exp.replicationCfg(job), exp.topo, exp.routes, policy,
		job.rngstrm, exp.reporter, exp.logger)
	if err != nil {
		return err
	}

	start := time.Now()
	summary, err := rep.Run(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	}
	exp.results.Add(summary)
	exp.metrics.ObserveReplication(summary, time.Since(start))

	if rep.Trace().Active() {
		name := fmt.Sprintf("trace-%s-%g-%d.yaml", summary.Policy, summary.Load, summary.Seed)
		if _, err := rep.Trace().WriteToFile(filepath.Join(exp.cfg.OutputDir, name)); err != nil {
			return fmt.Errorf("replication %s: writing trace: %w", rep.Name(), err)
		}
	}
	return nil
}
