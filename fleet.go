package colony

import "time"

// GPUReading is a vendor-neutral, point-in-time GPU memory/utilization
// snapshot. TotalMB/UsedMB/FreeMB are in megabytes.
type GPUReading struct {
	TotalMB         int64
	UsedMB          int64
	FreeMB          int64
	UtilizationPct  float64
	DeviceCount     int
	PerDevice       []DeviceReading
	Unavailable     bool
	Vendor          string // "nvidia", "amd", "intel", "" if unavailable
	ObservedAt      time.Time
}

// DeviceReading is a single GPU device's breakdown within a GPUReading.
type DeviceReading struct {
	Index          int
	TotalMB        int64
	UsedMB         int64
	FreeMB         int64
	UtilizationPct float64
}

// Stale reports whether the reading is older than maxAge relative to now.
func (r GPUReading) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.ObservedAt) > maxAge
}

// WaitHistogram buckets enqueue-to-start wait-time observations. Bucket
// bounds are in milliseconds, upper-bound exclusive except the last.
type WaitHistogram struct {
	BucketBoundsMs []int64
	Counts         []int64
}

// Observe records a single wait duration into the histogram.
func (h *WaitHistogram) Observe(d time.Duration) {
	ms := d.Milliseconds()
	for i, bound := range h.BucketBoundsMs {
		if ms < bound {
			if len(h.Counts) <= i {
				h.Counts = append(h.Counts, make([]int64, i+1-len(h.Counts))...)
			}
			h.Counts[i]++
			return
		}
	}
	// overflow bucket
	last := len(h.BucketBoundsMs)
	if len(h.Counts) <= last {
		h.Counts = append(h.Counts, make([]int64, last+1-len(h.Counts))...)
	}
	h.Counts[last]++
}

// Mean returns an approximate mean wait time using bucket midpoints.
func (h *WaitHistogram) Mean() time.Duration {
	var total, n int64
	prev := int64(0)
	for i, bound := range h.BucketBoundsMs {
		if i >= len(h.Counts) {
			break
		}
		mid := (prev + bound) / 2
		total += mid * h.Counts[i]
		n += h.Counts[i]
		prev = bound
	}
	if n == 0 {
		return 0
	}
	return time.Duration(total/n) * time.Millisecond
}

// FleetSnapshot is the autoscaler's input: current fleet shape and pressure.
type FleetSnapshot struct {
	ActiveWorkers      int
	IdleWorkers        int
	PendingByPriority  map[int]int
	WaitTimes          WaitHistogram
	GPU                GPUReading
	ObservedAt         time.Time
}

// IdleFraction returns the fraction of active workers currently idle, or 0
// when there are no active workers.
func (f FleetSnapshot) IdleFraction() float64 {
	if f.ActiveWorkers == 0 {
		return 0
	}
	return float64(f.IdleWorkers) / float64(f.ActiveWorkers)
}

// PendingTotal sums pending subtasks across all priority buckets.
func (f FleetSnapshot) PendingTotal() int {
	var total int
	for _, n := range f.PendingByPriority {
		total += n
	}
	return total
}
