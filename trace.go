package admitsim

import (
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceInst is one stored trace record, its time rendered as a string
// and its body as serialized yaml
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// TraceManager gathers the record of a replication's dispatched events.
// By testing InUse we can leave calls to its methods everywhere they are needed
// and still inhibit the gathering when a trace is not wanted.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of the replication, policy/load/seed
	ExpName string `json:"expname" yaml:"expname"`

	// all trace records, in dispatch order
	Traces []TraceInst `json:"traces" yaml:"traces"`

	// the records themselves, before serialization
	events []EventTrace
}

// CreateTraceManager is a constructor.  It saves the name of the replication
// and a flag indicating whether the trace manager is active.
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.Traces = make([]TraceInst, 0)
	tm.events = make([]EventTrace, 0)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// EventTrace saves what happened when an event was dispatched
type EventTrace struct {
	Time      float64 // time in float64
	Ticks     int64   // ticks variable of time
	Priority  int64   // priority field of time-stamp
	Seq       uint64  // queue insertion sequence of the event
	Kind      string  // "arrival" or "departure"
	ServiceID int
	Src       string
	Dst       string
	Outcome   string // "provisioned", "rejected", "released"
	PathIndex int
}

// Serialize renders the record as yaml
func (et *EventTrace) Serialize() string {
	bytes, merr := yaml.Marshal(*et)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddEventTrace records the dispatch of ev and its outcome
func (tm *TraceManager) AddEventTrace(ev *Event, outcome string) {
	if !tm.Active() {
		return
	}
	vrt := vrtime.SecondsToTime(ev.Time)

	et := EventTrace{
		Time:      vrt.Seconds(),
		Ticks:     vrt.Ticks(),
		Priority:  vrt.Pri(),
		Seq:       ev.seq,
		Kind:      ev.Kind.String(),
		ServiceID: ev.Svc.ID,
		Src:       ev.Svc.Source,
		Dst:       ev.Svc.Destination,
		Outcome:   outcome,
		PathIndex: ev.Svc.PathIndex,
	}
	tm.events = append(tm.events, et)

	traceTime := strconv.FormatFloat(ev.Time, 'f', -1, 64)
	tm.Traces = append(tm.Traces, TraceInst{TraceTime: traceTime, TraceType: et.Kind, TraceStr: et.Serialize()})
}

// Events returns the records gathered so far, in dispatch order
func (tm *TraceManager) Events() []EventTrace {
	if tm == nil {
		return nil
	}
	return tm.events
}

// WriteToFile stores the trace to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written, and false returned, when the manager is inactive.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	if err := writeDesc(filename, tm); err != nil {
		return false, err
	}
	return true, nil
}
