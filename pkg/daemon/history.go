package daemon

import (
	"sync"
	"time"

	"github.com/charlie0129/rccal/pkg/calibration"
)

// History records the last N calibration results.
type History struct {
	MaxRecordCount int
	Results        []calibration.Result
	mu             *sync.Mutex
}

// NewHistory returns a new History.
func NewHistory(maxRecordCount int) *History {
	return &History{
		MaxRecordCount: maxRecordCount,
		Results:        make([]calibration.Result, 0),
		mu:             &sync.Mutex{},
	}
}

// Add adds a new record.
func (r *History) Add(res calibration.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	res.StartedAt = res.StartedAt.Round(0)

	if len(r.Results) >= r.MaxRecordCount && len(r.Results) > 0 {
		r.Results = r.Results[1:]
	}
	r.Results = append(r.Results, res)
}

// Resize changes the capacity, dropping the oldest records if needed.
func (r *History) Resize(maxRecordCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.MaxRecordCount = maxRecordCount
	if over := len(r.Results) - maxRecordCount; over > 0 {
		r.Results = r.Results[over:]
	}
}

// Clear clears all records.
func (r *History) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Results = make([]calibration.Result, 0)
}

// Records returns a copy of the records, oldest first.
func (r *History) Records() []calibration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]calibration.Result(nil), r.Results...)
}

// Since returns the records started within the last duration, newest first.
func (r *History) Since(last time.Duration) []calibration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []calibration.Result
	for i := len(r.Results) - 1; i >= 0; i-- {
		if time.Since(r.Results[i].StartedAt) > last {
			break
		}
		records = append(records, r.Results[i])
	}
	return records
}

// Last returns the last record, or nil.
func (r *History) Last() *calibration.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Results) == 0 {
		return nil
	}
	res := r.Results[len(r.Results)-1]
	return &res
}

// Failures returns how many of the most recent records in a row did not
// succeed.
func (r *History) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for i := len(r.Results) - 1; i >= 0; i-- {
		if r.Results[i].Outcome == calibration.OutcomeSuccess {
			break
		}
		count++
	}
	return count
}
