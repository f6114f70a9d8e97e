package admitsim

import (
	"context"
	"sync"

	gomock "github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/iti/admitsim/internal/logging"
)

// recordingReporter keeps everything it is handed
type recordingReporter struct {
	mu       sync.Mutex
	progress []ProgressSnapshot
	partial  int
	final    []*ResultsDesc
}

func (rr *recordingReporter) ReplicationProgress(ps ProgressSnapshot) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.progress = append(rr.progress, ps)
}

func (rr *recordingReporter) PartialResults(*ResultsDesc) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.partial += 1
}

func (rr *recordingReporter) FinalResults(rd *ResultsDesc) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.final = append(rr.final, rd)
}

func testReplicationCfg() ReplicationCfg {
	return ReplicationCfg{
		ID:              0,
		Seed:            7,
		Load:            6,
		MeanHoldingTime: 100,
		NumArrivals:     500,
		UnitsPerLink:    2,
		UnitsPerService: 1,
		TrackStatsEvery: 50,
		PlotStatsEvery:  100,
		Trace:           true,
	}
}

var _ = Describe("Replication", func() {
	var (
		topo   *Topology
		routes *RouteTable
	)

	BeforeEach(func() {
		topo, routes = ringFixture(4, 2)
	})

	newReplication := func(cfg ReplicationCfg, policy Policy, reporter ResultsReporter) *Replication {
		rep, err := CreateReplication(cfg, topo, routes, policy, pcg(cfg.Seed), reporter, logging.Noop())
		Expect(err).NotTo(HaveOccurred())
		return rep
	}

	It("should run a budget of one to an empty queue", func() {
		cfg := testReplicationCfg()
		cfg.NumArrivals = 1
		rep := newReplication(cfg, ShortestAvailablePath{}, nil)

		summary, err := rep.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.ProcessedArrivals).To(Equal(1))
		Expect(summary.RejectedServices).To(Equal(0))
		Expect(rep.queue.Len()).To(Equal(0))

		events := rep.Trace().Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].Kind).To(Equal("arrival"))
		Expect(events[0].Outcome).To(Equal("provisioned"))
		Expect(events[1].Kind).To(Equal("departure"))
		Expect(events[1].Outcome).To(Equal("released"))
		Expect(events[1].ServiceID).To(Equal(events[0].ServiceID))
		Expect(events[1].Time).To(BeNumerically(">=", events[0].Time))
	})

	It("should run two arrivals under the reference budget of one", func() {
		cfg := testReplicationCfg()
		cfg.NumArrivals = 1
		cfg.ReferenceBudget = true
		rep := newReplication(cfg, ShortestAvailablePath{}, nil)

		summary, err := rep.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.ProcessedArrivals).To(Equal(2))
	})

	It("should keep time monotonic and return every unit", func() {
		rep := newReplication(testReplicationCfg(), LoadBalancing{}, nil)
		summary, err := rep.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		prev := 0.0
		provisioned, released := map[int]int{}, map[int]int{}
		for _, et := range rep.Trace().Events() {
			Expect(et.Time).To(BeNumerically(">=", prev))
			prev = et.Time
			switch et.Outcome {
			case "provisioned":
				provisioned[et.ServiceID] = et.PathIndex
			case "released":
				released[et.ServiceID] = et.PathIndex
			}
		}
		Expect(released).To(Equal(provisioned))
		Expect(summary.ProcessedArrivals - summary.RejectedServices).To(Equal(len(provisioned)))

		ledger := rep.Ledger()
		for id := 0; id < topo.NumLinks(); id++ {
			Expect(ledger.Available(id)).To(Equal(ledger.Total(id)))
			Expect(ledger.Running(id)).To(Equal(0))
		}
	})

	It("should hold the capacity bound at every decision", func() {
		checked := 0
		policy := PolicyFunc{PolicyName: "CHECKED", RouteFunc: func(svc *Service, paths []*Path, view LedgerView) (int, bool) {
			Expect(view.(*LinkLedger).CheckBounds()).To(Succeed())
			checked += 1
			idx, ok := ShortestAvailablePath{}.Route(svc, paths, view)
			if ok {
				for earlier := 0; earlier < idx; earlier++ {
					Expect(view.PathFree(paths[earlier], svc.NumUnits)).To(BeFalse())
				}
			}
			return idx, ok
		}}
		cfg := testReplicationCfg()
		cfg.Load = 20
		rep := newReplication(cfg, policy, nil)

		summary, err := rep.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(checked).To(Equal(cfg.NumArrivals))
		Expect(summary.RejectedServices).To(BeNumerically(">", 0))
		Expect(rep.Ledger().CheckBounds()).To(Succeed())
	})

	It("should repeat its decisions for a repeated seed", func() {
		first := newReplication(testReplicationCfg(), ShortestAvailablePath{}, nil)
		second := newReplication(testReplicationCfg(), ShortestAvailablePath{}, nil)

		s1, err := first.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		s2, err := second.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(second.Trace().Events()).To(Equal(first.Trace().Events()))
		Expect(second.Trace().Traces).To(Equal(first.Trace().Traces))
		Expect(s2).To(Equal(s1))
	})

	It("should track statistics and report progress on schedule", func() {
		reporter := &recordingReporter{}
		rep := newReplication(testReplicationCfg(), ShortestAvailablePath{}, reporter)

		summary, err := rep.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Policy).To(Equal("SAP"))
		Expect(summary.Load).To(Equal(6.0))
		Expect(summary.Seed).To(Equal(int64(7)))
		Expect(summary.Tracked.BlockingRatio).To(HaveLen(10))
		Expect(summary.Tracked.AverageLinkUsage).To(HaveLen(10))
		Expect(summary.IndividualLinkUsage).To(HaveLen(topo.NumLinks()))
		Expect(summary.BlockingRatio).To(Equal(float64(summary.RejectedServices) / 500.0))
		for _, u := range summary.IndividualLinkUsage {
			Expect(u).To(And(BeNumerically(">=", 0), BeNumerically("<=", 1)))
		}

		Expect(reporter.progress).To(HaveLen(5))
		Expect(reporter.progress[4].Processed).To(Equal(500))
		Expect(reporter.progress[4].Replication).To(Equal("SAP/6/7"))
		Expect(reporter.progress[4].Tracked.BlockingRatio).To(HaveLen(10))
	})

	It("should stop when its context is cancelled", func() {
		cfg := testReplicationCfg()
		cfg.NumArrivals = 5000
		cfg.Trace = false
		rep := newReplication(cfg, ShortestAvailablePath{}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := rep.Run(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})

	It("should refuse a link without capacity", func() {
		cfg := testReplicationCfg()
		cfg.UnitsPerLink = 0
		_, err := CreateReplication(cfg, topo, routes, ShortestAvailablePath{}, pcg(1), nil, nil)
		Expect(err).To(MatchError(ErrConfig))
	})

	Context("with a mock policy", func() {
		var (
			mockCtrl *gomock.Controller
			policy   *MockPolicy
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			policy = NewMockPolicy(mockCtrl)
			policy.EXPECT().Name().Return("MOCK").AnyTimes()
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should count every rejection", func() {
			cfg := testReplicationCfg()
			cfg.NumArrivals = 10
			policy.EXPECT().Route(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(NoPath, false).Times(10)
			rep := newReplication(cfg, policy, nil)

			summary, err := rep.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.RejectedServices).To(Equal(10))
			Expect(summary.BlockingRatio).To(Equal(1.0))
			Expect(summary.AverageLinkUsage).To(Equal(0.0))
		})

		It("should hand the policy the candidates of the service's endpoints", func() {
			cfg := testReplicationCfg()
			cfg.NumArrivals = 20
			cfg.UnitsPerLink = 80
			policy.EXPECT().Route(gomock.Any(), gomock.Any(), gomock.Any()).
				DoAndReturn(func(svc *Service, paths []*Path, view LedgerView) (int, bool) {
					Expect(paths).To(Equal(routes.Paths(svc.Source, svc.Destination)))
					return 0, true
				}).Times(20)
			rep := newReplication(cfg, policy, nil)

			summary, err := rep.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.ProcessedArrivals).To(Equal(20))
		})

		It("should abort on a decision outside the candidates", func() {
			policy.EXPECT().Route(gomock.Any(), gomock.Any(), gomock.Any()).Return(7, true)
			rep := newReplication(testReplicationCfg(), policy, nil)

			_, err := rep.Run(context.Background())
			Expect(err).To(MatchError(ErrPolicyDecision))
			Expect(err.Error()).To(ContainSubstring("MOCK/6/7"))
		})
	})
})
