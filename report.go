package admitsim

import (
	"context"

	"github.com/iti/admitsim/internal/logging"
)

// ProgressSnapshot is the view of a running replication handed to a ResultsReporter
type ProgressSnapshot struct {
	Replication string
	Policy      string
	Load        float64
	Seed        int64
	Processed   int
	Rejected    int
	Now         float64
	Tracked     TrackedResults
}

// ResultsReporter receives read-only views of an experiment while it runs and when it ends.
// ReplicationProgress is called from the goroutine running the replication, so an
// implementation shared by several workers must be safe for concurrent use.
type ResultsReporter interface {
	ReplicationProgress(ps ProgressSnapshot)
	PartialResults(rd *ResultsDesc)
	FinalResults(rd *ResultsDesc)
}

// NopReporter ignores everything
type NopReporter struct{}

func (NopReporter) ReplicationProgress(ProgressSnapshot) {}
func (NopReporter) PartialResults(*ResultsDesc)          {}
func (NopReporter) FinalResults(*ResultsDesc)            {}

// LogReporter renders progress and aggregated results as log lines
type LogReporter struct {
	Logger logging.Logger
}

func (lr LogReporter) ReplicationProgress(ps ProgressSnapshot) {
	ratio := 0.0
	if ps.Processed > 0 {
		ratio = float64(ps.Rejected) / float64(ps.Processed)
	}
	lr.Logger.Debug(context.Background(), "replication progress",
		logging.String("replication", ps.Replication),
		logging.Int("processed", ps.Processed),
		logging.Any("blocking_ratio", ratio),
		logging.Any("time", ps.Now))
}

func (lr LogReporter) PartialResults(rd *ResultsDesc) {
	lr.logAggregates("partial results", rd)
}

func (lr LogReporter) FinalResults(rd *ResultsDesc) {
	lr.logAggregates("final results", rd)
}

func (lr LogReporter) logAggregates(msg string, rd *ResultsDesc) {
	for _, agg := range rd.Aggregate() {
		lr.Logger.Info(context.Background(), msg,
			logging.String("policy", agg.Policy),
			logging.Any("load", agg.Load),
			logging.Int("runs", agg.Runs),
			logging.Any("blocking_ratio", agg.MeanBlockingRatio),
			logging.Any("link_usage", agg.MeanLinkUsage))
	}
}
