package admitsim

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func smallExpCfg() *ExpCfg {
	cfg := DefaultExpCfg()
	cfg.Name = "small"
	cfg.MeanHoldingTime = 10
	cfg.Loads = []float64{2, 4}
	cfg.NumArrivals = 200
	cfg.KPaths = 2
	cfg.UnitsPerLink = 3
	cfg.NumSeeds = 3
	cfg.Threads = 3
	cfg.TrackStatsEvery = 50
	cfg.PlotStatsEvery = 100
	cfg.ReportEvery = "0"
	return cfg
}

var _ = Describe("ExpCfg", func() {
	It("should carry the documented defaults", func() {
		cfg := DefaultExpCfg()
		Expect(cfg.MeanHoldingTime).To(Equal(86400.0))
		Expect(cfg.LoadPoints()).To(Equal([]float64{50}))
		Expect(cfg.NumArrivals).To(Equal(10000))
		Expect(cfg.KPaths).To(Equal(5))
		Expect(cfg.UnitsPerLink).To(Equal(80))
		Expect(cfg.NumSeeds).To(Equal(25))
		Expect(cfg.TrackStatsEvery).To(Equal(100))
		Expect(cfg.Seed).To(Equal(int64(42)))
		Expect(cfg.Policies).To(Equal([]string{"SAP", "LB"}))
		Expect(cfg.Validate()).To(Succeed())
	})

	It("should expand a load range", func() {
		cfg := DefaultExpCfg()
		cfg.Loads = nil
		cfg.MinLoad, cfg.MaxLoad, cfg.LoadStep = 10, 30, 10
		Expect(cfg.LoadPoints()).To(Equal([]float64{10, 20, 30}))
	})

	It("should read yaml over the defaults", func() {
		dict := []byte("num_arrivals: 50\nmin_load: 5\nmax_load: 15\nload_step: 5\npolicies: [lb]\n")
		cfg, err := ReadExpCfg("inline.yaml", true, dict)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NumArrivals).To(Equal(50))
		Expect(cfg.LoadPoints()).To(Equal([]float64{5, 10, 15}))
		Expect(cfg.Policies).To(Equal([]string{"lb"}))
		Expect(cfg.KPaths).To(Equal(5))
		Expect(cfg.Validate()).To(Succeed())

		cfg, err = ReadExpCfg("inline.json", false, []byte(`{"k_paths": 3}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.KPaths).To(Equal(3))
		Expect(cfg.LoadPoints()).To(Equal([]float64{50}))

		_, err = ReadExpCfg("bad.json", false, []byte(`{"k_paths": "three"}`))
		Expect(err).To(MatchError(ErrConfig))
	})

	It("should write what it reads", func() {
		dir, err := os.MkdirTemp("", "cfg")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		cfg := smallExpCfg()
		filename := filepath.Join(dir, "cfg.yaml")
		Expect(cfg.WriteToFile(filename)).To(Succeed())
		back, err := ReadExpCfg(filename, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(cfg))
	})

	It("should report every problem at once", func() {
		cfg := DefaultExpCfg()
		cfg.KPaths = 0
		cfg.Threads = 0
		cfg.PlotStatsEvery = 10
		cfg.Policies = []string{"SAP", "SP", "FIFO"}
		cfg.PathMetric = "hops"
		cfg.RNG = "mt"
		cfg.ReportEvery = "soon"

		err := cfg.Validate()
		Expect(err).To(MatchError(ErrConfig))
		for _, want := range []string{"k_paths", "threads", "plot_stats_every", "listed twice",
			`"FIFO"`, `path_metric "hops"`, `rng "mt"`, "report_every"} {
			Expect(err.Error()).To(ContainSubstring(want))
		}

		cfg = DefaultExpCfg()
		cfg.Loads = nil
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("no loads")))

		cfg = DefaultExpCfg()
		cfg.ReportEvery = "-5"
		Expect(cfg.Validate()).To(MatchError(ContainSubstring("report_every")))
	})

	It("should read a report interval as a duration or as seconds", func() {
		cfg := DefaultExpCfg()
		for given, want := range map[string]time.Duration{
			"":      20 * time.Second,
			"20":    20 * time.Second,
			"0":     0,
			"1m30s": 90 * time.Second,
		} {
			cfg.ReportEvery = given
			d, err := cfg.reportInterval()
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(Equal(want))
		}
	})
})

var _ = Describe("Experiment", func() {
	It("should refuse a configuration before running anything", func() {
		cfg := smallExpCfg()
		cfg.NumSeeds = 0
		_, err := BuildExperiment(cfg, RingTopoDesc(4))
		Expect(err).To(MatchError(ErrConfig))

		td := RingTopoDesc(4)
		td.AddLink("0", "0", 1, 1)
		_, err = BuildExperiment(smallExpCfg(), td)
		Expect(err).To(MatchError(ErrConfig))
	})

	It("should run every policy, load and seed", func() {
		reporter := &recordingReporter{}
		exp, err := BuildExperiment(smallExpCfg(), RingTopoDesc(5), WithReporter(reporter))
		Expect(err).NotTo(HaveOccurred())
		Expect(exp.Topology().NumNodes()).To(Equal(5))
		Expect(exp.Routes().K()).To(Equal(2))

		rd, err := exp.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(exp.Results().Count()).To(Equal(12))

		Expect(rd.Name).To(Equal("small"))
		Expect(rd.Policies).To(HaveLen(2))
		Expect(rd.Policies[0].Policy).To(Equal("LB"))
		Expect(rd.Policies[1].Policy).To(Equal("SAP"))
		for _, prd := range rd.Policies {
			Expect(prd.Loads).To(HaveLen(2))
			Expect(prd.Loads[0].Load).To(Equal(2.0))
			Expect(prd.Loads[1].Load).To(Equal(4.0))
			for _, lrd := range prd.Loads {
				Expect(lrd.Runs).To(HaveLen(3))
				for id, run := range lrd.Runs {
					Expect(run.ID).To(Equal(id))
					Expect(run.Seed).To(Equal(int64(42 + id)))
					Expect(run.ProcessedArrivals).To(Equal(200))
				}
			}
		}

		Expect(reporter.final).To(HaveLen(1))
		Expect(reporter.final[0]).To(Equal(rd))
		Expect(reporter.progress).To(HaveLen(24))
		Expect(rd.Aggregate()).To(HaveLen(4))
	})

	It("should give the same results on any number of workers", func() {
		run := func(threads int) *ResultsDesc {
			cfg := smallExpCfg()
			cfg.Threads = threads
			exp, err := BuildExperiment(cfg, RingTopoDesc(5))
			Expect(err).NotTo(HaveOccurred())
			rd, err := exp.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			return rd
		}
		Expect(run(1)).To(Equal(run(4)))
	})

	It("should repeat a run with L'Ecuyer streams", func() {
		run := func(threads int) *ResultsDesc {
			cfg := smallExpCfg()
			cfg.RNG = RngStreamStream
			cfg.Threads = threads
			exp, err := BuildExperiment(cfg, RingTopoDesc(4))
			Expect(err).NotTo(HaveOccurred())
			rd, err := exp.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(exp.Results().Count()).To(Equal(12))
			return rd
		}
		first := run(3)
		Expect(run(3)).To(Equal(first))
		Expect(run(1)).To(Equal(first))
	})

	It("should record metrics and write traces", func() {
		dir, err := os.MkdirTemp("", "exp")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		reg := prometheus.NewRegistry()
		metrics, err := CreateMetrics(reg)
		Expect(err).NotTo(HaveOccurred())

		cfg := smallExpCfg()
		cfg.Trace = true
		cfg.OutputDir = dir
		exp, err := BuildExperiment(cfg, RingTopoDesc(4), WithMetrics(metrics))
		Expect(err).NotTo(HaveOccurred())
		_, err = exp.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(testutil.ToFloat64(metrics.Replications.WithLabelValues("SAP"))).To(Equal(6.0))
		Expect(testutil.ToFloat64(metrics.Arrivals.WithLabelValues("LB"))).To(Equal(1200.0))
		Expect(filepath.Join(dir, "trace-SAP-2-42.yaml")).To(BeARegularFile())
		Expect(filepath.Join(dir, "trace-LB-4-44.yaml")).To(BeARegularFile())
	})

	It("should stop at the first failed replication", func() {
		Expect(RegisterPolicy("BROKEN", func() Policy {
			return PolicyFunc{PolicyName: "BROKEN", RouteFunc: func(*Service, []*Path, LedgerView) (int, bool) {
				return 99, true
			}}
		})).To(Succeed())

		cfg := smallExpCfg()
		cfg.Policies = []string{"SAP", "BROKEN"}
		exp, err := BuildExperiment(cfg, RingTopoDesc(4))
		Expect(err).NotTo(HaveOccurred())

		rd, err := exp.Run(context.Background())
		Expect(err).To(MatchError(ErrPolicyDecision))
		Expect(err.Error()).To(ContainSubstring("BROKEN/"))
		Expect(rd).To(BeNil())
	})

	It("should give up when its context is cancelled", func() {
		exp, err := BuildExperiment(smallExpCfg(), RingTopoDesc(4))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = exp.Run(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})
})
