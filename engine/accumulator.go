package engine

import "sync"

// accumulator collects (value, serve result) pairs for a batched update
// flow until the batch fills. The two slices stay parallel: values[i]
// produced results[i].
type accumulator struct {
	mu        sync.Mutex
	batchSize int
	values    []any
	results   []any
}

func newAccumulator(batchSize int) *accumulator {
	return &accumulator{batchSize: batchSize}
}

// add appends a pair and releases the batch when it reaches batchSize.
// Released slices are owned by the caller; the accumulator resets.
func (a *accumulator) add(value, serveResult any) (released bool, values, results []any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = append(a.values, value)
	a.results = append(a.results, serveResult)
	if len(a.values) < a.batchSize {
		return false, nil, nil
	}
	values, results = a.values, a.results
	a.values, a.results = nil, nil
	return true, values, results
}

// drain force-releases a partially filled batch, appending the given pair
// first. Used when a run demands a flush before the batch is full.
func (a *accumulator) drain(value, serveResult any) (values, results []any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	values = append(a.values, value)
	results = append(a.results, serveResult)
	a.values, a.results = nil, nil
	return values, results
}

// reset discards any in-flight partial batch.
func (a *accumulator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values, a.results = nil, nil
}

func (a *accumulator) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.values)
}
