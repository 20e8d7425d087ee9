package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/influxdata/tdigest"
	"github.com/rs/zerolog"

	"github.com/Skelf-Research/ormdb/pkg/codec"
	"github.com/Skelf-Research/ormdb/pkg/columnar"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/query"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
	"github.com/Skelf-Research/ormdb/pkg/types"
)

// sketchThreshold is the candidate count past which count-distinct switches
// from an exact set to a HyperLogLog sketch.
const sketchThreshold = 10000

// Func enumerates aggregate functions.
type Func string

const (
	FuncCount         Func = "count"
	FuncSum           Func = "sum"
	FuncAvg           Func = "avg"
	FuncMin           Func = "min"
	FuncMax           Func = "max"
	FuncCountDistinct Func = "count_distinct"
	FuncPercentile    Func = "percentile"
)

// Spec is one requested aggregate. Percentile is in (0, 1) for
// FuncPercentile and ignored otherwise.
type Spec struct {
	Func       Func
	Field      string
	Percentile float64
}

// Unit is a time-bucket granularity.
type Unit string

const (
	UnitSecond Unit = "second"
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
	UnitYear   Unit = "year"
)

// TimeBucket groups rows by truncated timestamp.
type TimeBucket struct {
	Field string
	Unit  Unit
}

// Having filters groups after aggregation, comparing the value of the
// aggregate at index Aggregate against a number.
type Having struct {
	Aggregate int
	Op        query.FilterOp
	Value     float64
}

// Request describes one aggregation over an entity.
type Request struct {
	Entity         string
	Filter         *query.Filter
	GroupBy        []string
	Bucket         *TimeBucket
	Aggregates     []Spec
	Having         []Having
	IncludeDeleted bool
}

// Group is one output row: the group key values followed by one value per
// requested aggregate.
type Group struct {
	Key    []types.Value
	Values []types.Value
}

// Result carries groups ordered by key bytes for determinism. An ungrouped
// request yields exactly one group with an empty key.
type Result struct {
	Groups []*Group
}

// Aggregator computes aggregates over the columnar projection, restricted
// to the id set the filter resolves to.
type Aggregator struct {
	cols   *columnar.Store
	exec   *query.Executor
	rows   *rowstore.Store
	logger zerolog.Logger
}

// New wires the aggregator.
func New(cols *columnar.Store, exec *query.Executor, rows *rowstore.Store) *Aggregator {
	return &Aggregator{
		cols:   cols,
		exec:   exec,
		rows:   rows,
		logger: log.WithComponent("aggregate"),
	}
}

// ApproximateCount reports the per-entity live row counter from the meta
// tree without any scan.
func (a *Aggregator) ApproximateCount(entity string) (int64, error) {
	return a.rows.LiveCount(entity)
}

// Run executes the request.
func (a *Aggregator) Run(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Aggregates) == 0 {
		return nil, types.Validation(req.Entity, "", "no aggregates requested")
	}
	for _, spec := range req.Aggregates {
		if spec.Func != FuncCount && spec.Field == "" {
			return nil, types.Validation(req.Entity, "", fmt.Sprintf("%s requires a field", spec.Func))
		}
	}

	ids, err := a.exec.ResolveIDs(ctx, req.Entity, req.Filter, req.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	groups := map[string]*groupState{}
	err = a.cols.EachOf(req.Entity, ids, req.IncludeDeleted, func(r columnar.Row) error {
		if err := ctx.Err(); err != nil {
			return types.Canceled()
		}
		key, keyVals, ok := groupKey(req, r)
		if !ok {
			return nil
		}
		g := groups[key]
		if g == nil {
			g = newGroupState(req.Aggregates, keyVals)
			groups[key] = g
		}
		g.observe(req.Aggregates, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// An ungrouped aggregation over zero rows still reports one group.
	if len(groups) == 0 && len(req.GroupBy) == 0 && req.Bucket == nil {
		groups[""] = newGroupState(req.Aggregates, nil)
	}

	res := &Result{}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		g := groups[k]
		if !passesHaving(req, g) {
			continue
		}
		res.Groups = append(res.Groups, &Group{Key: g.keyVals, Values: g.finish(req.Aggregates)})
	}
	return res, nil
}

func groupKey(req *Request, r columnar.Row) (string, []types.Value, bool) {
	if len(req.GroupBy) == 0 && req.Bucket == nil {
		return "", nil, true
	}
	var keyVals []types.Value
	var raw []byte
	for _, field := range req.GroupBy {
		v := r.Value(field)
		keyVals = append(keyVals, v)
		h := codec.HashValue(v)
		raw = append(raw, h[:]...)
	}
	if req.Bucket != nil {
		v := r.Value(req.Bucket.Field)
		if v.IsNull() {
			return "", nil, false
		}
		bucket := types.Timestamp(TruncateTimestamp(v.Int(), req.Bucket.Unit))
		keyVals = append(keyVals, bucket)
		h := codec.HashValue(bucket)
		raw = append(raw, h[:]...)
	}
	return string(raw), keyVals, true
}

// TruncateTimestamp truncates a µs timestamp to the bucket boundary in UTC.
// Weeks start on Monday.
func TruncateTimestamp(us int64, unit Unit) int64 {
	t := time.UnixMicro(us).UTC()
	switch unit {
	case UnitSecond:
		t = t.Truncate(time.Second)
	case UnitMinute:
		t = t.Truncate(time.Minute)
	case UnitHour:
		t = t.Truncate(time.Hour)
	case UnitDay:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case UnitWeek:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		weekday := (int(t.Weekday()) + 6) % 7 // Monday = 0
		t = t.AddDate(0, 0, -weekday)
	case UnitMonth:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case UnitYear:
		t = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t.UnixMicro()
}

// groupState accumulates one group's aggregates.
type groupState struct {
	keyVals []types.Value
	aggs    []*aggState
}

type aggState struct {
	count int64
	sum   float64
	min   types.Value
	max   types.Value

	distinct map[string]struct{}
	sketch   *hyperloglog.Sketch

	digest *tdigest.TDigest
}

func newGroupState(specs []Spec, keyVals []types.Value) *groupState {
	g := &groupState{keyVals: keyVals, aggs: make([]*aggState, len(specs))}
	for i, spec := range specs {
		st := &aggState{min: types.Null(), max: types.Null()}
		switch spec.Func {
		case FuncCountDistinct:
			st.distinct = map[string]struct{}{}
		case FuncPercentile:
			st.digest = tdigest.New()
		}
		g.aggs[i] = st
	}
	return g
}

func (g *groupState) observe(specs []Spec, r columnar.Row) {
	for i, spec := range specs {
		st := g.aggs[i]
		if spec.Func == FuncCount {
			st.count++
			continue
		}
		v := r.Value(spec.Field)
		if v.IsNull() {
			continue
		}
		switch spec.Func {
		case FuncSum, FuncAvg:
			if n, ok := v.Number(); ok {
				st.sum += n
				st.count++
			}
		case FuncMin:
			if st.min.IsNull() || types.Compare(v, st.min) < 0 {
				st.min = v
			}
		case FuncMax:
			if st.max.IsNull() || types.Compare(v, st.max) > 0 {
				st.max = v
			}
		case FuncCountDistinct:
			h := codec.HashValue(v)
			if st.sketch != nil {
				st.sketch.Insert(h[:])
				break
			}
			st.distinct[string(h[:])] = struct{}{}
			if len(st.distinct) > sketchThreshold {
				// Exact set outgrew the threshold; degrade to the sketch.
				st.sketch = hyperloglog.New16()
				for k := range st.distinct {
					st.sketch.Insert([]byte(k))
				}
				st.distinct = nil
			}
		case FuncPercentile:
			if n, ok := v.Number(); ok {
				st.digest.Add(n, 1)
				st.count++
			}
		}
	}
}

func (g *groupState) finish(specs []Spec) []types.Value {
	out := make([]types.Value, len(specs))
	for i, spec := range specs {
		st := g.aggs[i]
		switch spec.Func {
		case FuncCount:
			out[i] = types.Int64(st.count)
		case FuncSum:
			out[i] = types.Float64(st.sum)
		case FuncAvg:
			if st.count == 0 {
				out[i] = types.Null()
			} else {
				out[i] = types.Float64(st.sum / float64(st.count))
			}
		case FuncMin:
			out[i] = st.min
		case FuncMax:
			out[i] = st.max
		case FuncCountDistinct:
			if st.sketch != nil {
				out[i] = types.Int64(int64(st.sketch.Estimate()))
			} else {
				out[i] = types.Int64(int64(len(st.distinct)))
			}
		case FuncPercentile:
			if st.count == 0 {
				out[i] = types.Null()
			} else {
				out[i] = types.Float64(st.digest.Quantile(spec.Percentile))
			}
		}
	}
	return out
}

func (g *groupState) numericValue(specs []Spec, idx int) (float64, bool) {
	if idx < 0 || idx >= len(specs) {
		return 0, false
	}
	v := g.finish(specs)[idx]
	return v.Number()
}

func passesHaving(req *Request, g *groupState) bool {
	for _, h := range req.Having {
		n, ok := g.numericValue(req.Aggregates, h.Aggregate)
		if !ok {
			return false
		}
		var pass bool
		switch h.Op {
		case query.OpEq:
			pass = n == h.Value
		case query.OpNe:
			pass = n != h.Value
		case query.OpLt:
			pass = n < h.Value
		case query.OpLe:
			pass = n <= h.Value
		case query.OpGt:
			pass = n > h.Value
		case query.OpGe:
			pass = n >= h.Value
		default:
			pass = false
		}
		if !pass {
			return false
		}
	}
	return true
}
