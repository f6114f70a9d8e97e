package admitsim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Policies", func() {
	var (
		topo   *Topology
		routes *RouteTable
		ledger *LinkLedger
		svc    *Service
		paths  []*Path
	)

	// occupy reserves units on the path for a service that never leaves
	occupy := func(id, units int, p *Path) {
		Expect(ledger.Provision(&Service{ID: id, NumUnits: units, Path: p}, 1.0)).To(Succeed())
	}

	BeforeEach(func() {
		topo, routes = ringFixture(4, 2)
		ledger = CreateLinkLedger(topo)
		svc = &Service{ID: 100, Source: "0", Destination: "1", DestinationID: 1, NumUnits: 1}
		paths = routes.Paths("0", "1")
	})

	Context("on a ring of four with one unit per link", func() {
		BeforeEach(func() {
			ledger.Reset(1)
		})

		It("should accept a lone service on the direct path under both policies", func() {
			for _, policy := range []Policy{ShortestAvailablePath{}, LoadBalancing{}} {
				idx, ok := policy.Route(svc, paths, ledger)
				Expect(ok).To(BeTrue())
				Expect(idx).To(Equal(0))
				Expect(paths[idx].Hops).To(Equal(1))
			}
		})

		It("should reject a second service when the indirect path is also full", func() {
			occupy(1, 1, paths[0])
			occupy(2, 1, manualPath(topo, "3", "2"))

			idx, ok := ShortestAvailablePath{}.Route(svc, paths, ledger)
			Expect(ok).To(BeFalse())
			Expect(idx).To(Equal(NoPath))

			idx, ok = LoadBalancing{}.Route(svc, paths, ledger)
			Expect(ok).To(BeFalse())
			Expect(idx).To(Equal(NoPath))
		})

		It("should move a second service to the free indirect path", func() {
			occupy(1, 1, paths[0])

			idx, ok := ShortestAvailablePath{}.Route(svc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(1))

			idx, ok = LoadBalancing{}.Route(svc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(1))
		})

		It("should reject when there are no candidates", func() {
			_, ok := ShortestAvailablePath{}.Route(svc, nil, ledger)
			Expect(ok).To(BeFalse())
			_, ok = LoadBalancing{}.Route(svc, nil, ledger)
			Expect(ok).To(BeFalse())
		})
	})

	Context("with room on every candidate", func() {
		BeforeEach(func() {
			ledger.Reset(4)
		})

		It("should keep shortest-available on the first feasible path", func() {
			occupy(1, 3, paths[0])
			idx, ok := ShortestAvailablePath{}.Route(svc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(0))
		})

		It("should send load-balancing to the least loaded candidate", func() {
			occupy(1, 2, paths[0])
			occupy(2, 1, manualPath(topo, "3", "2"))

			idx, ok := LoadBalancing{}.Route(svc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(1))
			for _, p := range paths {
				if ledger.PathFree(p, svc.NumUnits) {
					Expect(ledger.MaxLoad(paths[idx])).To(BeNumerically("<=", ledger.MaxLoad(p)))
				}
			}
		})

		It("should break load-balancing ties toward the shorter candidate", func() {
			occupy(1, 1, paths[0])
			occupy(2, 1, manualPath(topo, "0", "3"))

			idx, ok := LoadBalancing{}.Route(svc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(0))
		})

		It("should never pick an infeasible candidate under load-balancing", func() {
			bigSvc := &Service{ID: 101, NumUnits: 2}
			occupy(1, 3, manualPath(topo, "0", "3"))

			idx, ok := LoadBalancing{}.Route(bigSvc, paths, ledger)
			Expect(ok).To(BeTrue())
			Expect(idx).To(Equal(0))
		})
	})
})

var _ = Describe("Policy registry", func() {
	It("should create the built-in policies by any case", func() {
		for name, want := range map[string]string{"sap": "SAP", "SP": "SAP", "lb": "LB", "Lb": "LB"} {
			policy, err := CreatePolicy(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(policy.Name()).To(Equal(want))
		}
	})

	It("should refuse unknown names", func() {
		_, err := CreatePolicy("first-fit")
		Expect(err).To(MatchError(ErrUnknownPolicy))
		Expect(err).To(MatchError(ErrConfig))
	})

	It("should register new policies once", func() {
		ctor := func() Policy {
			return PolicyFunc{PolicyName: "LONGEST", RouteFunc: func(svc *Service, paths []*Path, view LedgerView) (int, bool) {
				for idx := len(paths) - 1; idx >= 0; idx-- {
					if view.PathFree(paths[idx], svc.NumUnits) {
						return idx, true
					}
				}
				return NoPath, false
			}}
		}
		Expect(RegisterPolicy("longest", ctor)).To(Succeed())
		Expect(RegisterPolicy("LONGEST", ctor)).NotTo(Succeed())
		Expect(RegisterPolicy("sap", ctor)).NotTo(Succeed())
		Expect(PolicyNames()).To(ContainElements("LB", "LONGEST", "SAP", "SP"))

		policy, err := CreatePolicy("Longest")
		Expect(err).NotTo(HaveOccurred())
		Expect(policy.Name()).To(Equal("LONGEST"))

		topo, routes := ringFixture(4, 2)
		ledger := CreateLinkLedger(topo)
		ledger.Reset(1)
		idx, ok := policy.Route(&Service{NumUnits: 1}, routes.Paths("0", "1"), ledger)
		Expect(ok).To(BeTrue())
		Expect(idx).To(Equal(1))
	})
})
