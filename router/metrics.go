package router

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// RouterMetrics holds all expvar variables for a Router instance.
type RouterMetrics struct {
	PublishedGlobally bool

	InsertTotal                *expvar.Int
	InsertErrorsTotal          *expvar.Int
	ReentrantInsertsTotal      *expvar.Int
	RowsRoutedTotal            *expvar.Int
	RowsUnroutedTotal          *expvar.Int
	ReplicaBatchesTotal        *expvar.Int
	ChunksCreatedTotal         *expvar.Int
	ChunksClosedTotal          *expvar.Int
	DistinctValuesCreatedTotal *expvar.Int

	InsertLatencyHist *expvar.Map
}

// NewRouterMetrics creates the metric set, optionally publishing it to the
// global expvar namespace under the given prefix.
func NewRouterMetrics(publishGlobally bool, prefix string) *RouterMetrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	rm := &RouterMetrics{
		PublishedGlobally:          publishGlobally,
		InsertTotal:                newIntFunc(prefix + "insert_total"),
		InsertErrorsTotal:          newIntFunc(prefix + "insert_errors_total"),
		ReentrantInsertsTotal:      newIntFunc(prefix + "reentrant_inserts_total"),
		RowsRoutedTotal:            newIntFunc(prefix + "rows_routed_total"),
		RowsUnroutedTotal:          newIntFunc(prefix + "rows_unrouted_total"),
		ReplicaBatchesTotal:        newIntFunc(prefix + "replica_batches_total"),
		ChunksCreatedTotal:         newIntFunc(prefix + "chunks_created_total"),
		ChunksClosedTotal:          newIntFunc(prefix + "chunks_closed_total"),
		DistinctValuesCreatedTotal: newIntFunc(prefix + "distinct_values_created_total"),
		InsertLatencyHist:          newMapFunc(prefix + "insert_latency_seconds"),
	}
	initLatencyHist(rm.InsertLatencyHist)
	return rm
}

// initLatencyHist seeds a histogram map with its count, sum and bucket vars.
func initLatencyHist(histMap *expvar.Map) {
	histMap.Set("count", new(expvar.Int))
	histMap.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		histMap.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	histMap.Set("le_inf", new(expvar.Int))
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar := histMap.Get("count"); countVar != nil {
		if countInt, ok := countVar.(*expvar.Int); ok {
			countInt.Add(1)
		}
	}
	if sumVar := histMap.Get("sum"); sumVar != nil {
		if sumFloat, ok := sumVar.(*expvar.Float); ok {
			sumFloat.Add(durationSeconds)
		}
	}
	// A cumulative histogram: a value that fits in a smaller bucket is also
	// counted in all larger buckets.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketVar := histMap.Get(fmt.Sprintf("le_%.3f", b)); bucketVar != nil {
				if bucketInt, ok := bucketVar.(*expvar.Int); ok {
					bucketInt.Add(1)
				}
			}
		}
	}
	if infVar := histMap.Get("le_inf"); infVar != nil {
		if infInt, ok := infVar.(*expvar.Int); ok {
			infInt.Add(1)
		}
	}
}

// publishExpvarInt publishes an expvar.Int, resetting and reusing an existing
// registration of the same name.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap publishes an expvar.Map, reusing an existing registration
// of the same name.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
