package admitsim

// stats.go holds the statistics gathered during and at the end of a replication,
// and the collection into which the replications of an experiment report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// TrackedResults are the time series sampled every TrackStatsEvery processed arrivals
type TrackedResults struct {
	BlockingRatio    []float64 `json:"request_blocking_ratio" yaml:"request_blocking_ratio"`
	AverageLinkUsage []float64 `json:"average_link_usage" yaml:"average_link_usage"`
}

// StatsTracker accumulates the tracked time series of one replication
type StatsTracker struct {
	trackEvery int
	plotEvery  int
	tracked    TrackedResults
}

// CreateStatsTracker is a constructor.  A non-positive plotEvery turns progress reports off.
func CreateStatsTracker(trackEvery, plotEvery int) *StatsTracker {
	st := new(StatsTracker)
	st.trackEvery = trackEvery
	st.plotEvery = plotEvery
	st.tracked = TrackedResults{BlockingRatio: []float64{}, AverageLinkUsage: []float64{}}
	return st
}

func (st *StatsTracker) trackDue(processed int) bool {
	return st.trackEvery > 0 && processed%st.trackEvery == 0
}

func (st *StatsTracker) plotDue(processed int) bool {
	return st.plotEvery > 0 && processed%st.plotEvery == 0
}

// Track appends one sample to the time series
func (st *StatsTracker) Track(blockingRatio, linkUsage float64) {
	st.tracked.BlockingRatio = append(st.tracked.BlockingRatio, blockingRatio)
	st.tracked.AverageLinkUsage = append(st.tracked.AverageLinkUsage, linkUsage)
}

// Tracked returns a copy of the time series gathered so far
func (st *StatsTracker) Tracked() TrackedResults {
	return TrackedResults{
		BlockingRatio:    append([]float64{}, st.tracked.BlockingRatio...),
		AverageLinkUsage: append([]float64{}, st.tracked.AverageLinkUsage...),
	}
}

// ReplicationSummary is what one finished replication reports
type ReplicationSummary struct {
	Policy              string         `json:"policy" yaml:"policy"`
	Load                float64        `json:"load" yaml:"load"`
	Seed                int64          `json:"seed" yaml:"seed"`
	ID                  int            `json:"id" yaml:"id"`
	ProcessedArrivals   int            `json:"processed_arrivals" yaml:"processed_arrivals"`
	RejectedServices    int            `json:"rejected_services" yaml:"rejected_services"`
	BlockingRatio       float64        `json:"request_blocking_ratio" yaml:"request_blocking_ratio"`
	AverageLinkUsage    float64        `json:"average_link_usage" yaml:"average_link_usage"`
	IndividualLinkUsage []float64      `json:"individual_link_usage" yaml:"individual_link_usage"`
	Tracked             TrackedResults `json:"tracked" yaml:"tracked"`
}

// Summarize builds the end-of-replication summary
func (st *StatsTracker) Summarize(rep *Replication) *ReplicationSummary {
	return &ReplicationSummary{
		Policy:              rep.policy.Name(),
		Load:                rep.cfg.Load,
		Seed:                rep.cfg.Seed,
		ID:                  rep.cfg.ID,
		ProcessedArrivals:   rep.processed,
		RejectedServices:    rep.rejected,
		BlockingRatio:       rep.BlockingRatio(),
		AverageLinkUsage:    rep.ledger.MeanUtilization(),
		IndividualLinkUsage: rep.ledger.LinkUtilizations(),
		Tracked:             st.Tracked(),
	}
}

// WriteTrackedCSV writes the summary's time series, one row per sample
func WriteTrackedCSV(filename string, summary *ReplicationSummary) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err = w.Write([]string{"sample", "request_blocking_ratio", "average_link_usage"}); err != nil {
		return err
	}
	for idx := range summary.Tracked.BlockingRatio {
		row := []string{strconv.Itoa(idx),
			strconv.FormatFloat(summary.Tracked.BlockingRatio[idx], 'g', -1, 64),
			strconv.FormatFloat(summary.Tracked.AverageLinkUsage[idx], 'g', -1, 64)}
		if err = w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// Results collects the summaries of every replication of an experiment, by
// policy and then load.  Add may be called from many goroutines.
type Results struct {
	mu       sync.Mutex
	byPolicy map[string]map[float64][]*ReplicationSummary
}

// CreateResults is a constructor
func CreateResults() *Results {
	res := new(Results)
	res.byPolicy = make(map[string]map[float64][]*ReplicationSummary)
	return res
}

// Add records a finished replication
func (res *Results) Add(summary *ReplicationSummary) {
	res.mu.Lock()
	defer res.mu.Unlock()
	byLoad, present := res.byPolicy[summary.Policy]
	if !present {
		byLoad = make(map[float64][]*ReplicationSummary)
		res.byPolicy[summary.Policy] = byLoad
	}
	byLoad[summary.Load] = append(byLoad[summary.Load], summary)
}

// Count returns the number of summaries recorded
func (res *Results) Count() int {
	res.mu.Lock()
	defer res.mu.Unlock()
	cnt := 0
	for _, byLoad := range res.byPolicy {
		for _, runs := range byLoad {
			cnt += len(runs)
		}
	}
	return cnt
}

// LoadResultsDesc holds the replications of one load
type LoadResultsDesc struct {
	Load float64              `json:"load" yaml:"load"`
	Runs []ReplicationSummary `json:"runs" yaml:"runs"`
}

// PolicyResultsDesc holds the replications of one policy
type PolicyResultsDesc struct {
	Policy string            `json:"policy" yaml:"policy"`
	Loads  []LoadResultsDesc `json:"loads" yaml:"loads"`
}

// ResultsDesc is the serializable form of Results: policies sorted by name, loads
// ascending, runs by replication id
type ResultsDesc struct {
	Name     string              `json:"name" yaml:"name"`
	Policies []PolicyResultsDesc `json:"policies" yaml:"policies"`
}

// Desc copies the collection, as it stands, into its serializable form
func (res *Results) Desc(name string) *ResultsDesc {
	res.mu.Lock()
	defer res.mu.Unlock()

	rd := &ResultsDesc{Name: name, Policies: []PolicyResultsDesc{}}
	policies := make([]string, 0, len(res.byPolicy))
	for policy := range res.byPolicy {
		policies = append(policies, policy)
	}
	sort.Strings(policies)

	for _, policy := range policies {
		byLoad := res.byPolicy[policy]
		loads := make([]float64, 0, len(byLoad))
		for load := range byLoad {
			loads = append(loads, load)
		}
		sort.Float64s(loads)

		prd := PolicyResultsDesc{Policy: policy, Loads: []LoadResultsDesc{}}
		for _, load := range loads {
			runs := make([]ReplicationSummary, 0, len(byLoad[load]))
			for _, summary := range byLoad[load] {
				runs = append(runs, *summary)
			}
			sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
			prd.Loads = append(prd.Loads, LoadResultsDesc{Load: load, Runs: runs})
		}
		rd.Policies = append(rd.Policies, prd)
	}
	return rd
}

// WriteToFile stores the results to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (rd *ResultsDesc) WriteToFile(filename string) error {
	return writeDesc(filename, rd)
}

// ReadResultsDesc deserializes results written by WriteToFile
func ReadResultsDesc(filename string, useYAML bool, dict []byte) (*ResultsDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}
	rd := ResultsDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &rd)
	} else {
		err = json.Unmarshal(dict, &rd)
	}
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

// AggregateStat summarizes the replications of one (policy, load) configuration
type AggregateStat struct {
	Policy            string  `json:"policy" yaml:"policy"`
	Load              float64 `json:"load" yaml:"load"`
	Runs              int     `json:"runs" yaml:"runs"`
	MeanBlockingRatio float64 `json:"mean_blocking_ratio" yaml:"mean_blocking_ratio"`
	StdBlockingRatio  float64 `json:"std_blocking_ratio" yaml:"std_blocking_ratio"`
	MeanLinkUsage     float64 `json:"mean_link_usage" yaml:"mean_link_usage"`
	StdLinkUsage      float64 `json:"std_link_usage" yaml:"std_link_usage"`
	MeanRejected      float64 `json:"mean_rejected" yaml:"mean_rejected"`
	MeanProcessed     float64 `json:"mean_processed" yaml:"mean_processed"`
}

// Aggregate computes, across seeds, the mean and standard deviation of the blocking
// ratio and the link usage of every (policy, load) configuration, in Desc order.
// The standard deviation of a single run is NaN.
func (rd *ResultsDesc) Aggregate() []AggregateStat {
	aggs := []AggregateStat{}
	for _, prd := range rd.Policies {
		for _, lrd := range prd.Loads {
			n := len(lrd.Runs)
			if n == 0 {
				continue
			}
			br := make([]float64, n)
			lu := make([]float64, n)
			rj := make([]float64, n)
			pr := make([]float64, n)
			for idx, run := range lrd.Runs {
				br[idx] = run.BlockingRatio
				lu[idx] = run.AverageLinkUsage
				rj[idx] = float64(run.RejectedServices)
				pr[idx] = float64(run.ProcessedArrivals)
			}
			agg := AggregateStat{Policy: prd.Policy, Load: lrd.Load, Runs: n}
			agg.MeanBlockingRatio, agg.StdBlockingRatio = stat.MeanStdDev(br, nil)
			agg.MeanLinkUsage, agg.StdLinkUsage = stat.MeanStdDev(lu, nil)
			agg.MeanRejected = stat.Mean(rj, nil)
			agg.MeanProcessed = stat.Mean(pr, nil)
			aggs = append(aggs, agg)
		}
	}
	return aggs
}
