package stats

import (
	"math"
	"sync"
)

// Outcome is the terminal state of one proxied transaction.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Statistics counts transaction outcomes and keeps every duration for the
// aggregate figures on the status page. It is safe for concurrent use.
type Statistics struct {
	mu        sync.Mutex
	title     string
	success   int64
	failure   int64
	stopped   int64
	durations []float64 // seconds
}

// Snapshot is a consistent copy of the aggregate figures.
type Snapshot struct {
	Title     string
	Success   int64
	Failure   int64
	Stopped   int64
	Total     int64
	DurMin    float64
	DurAvg    float64
	DurMax    float64
	DurStdDev float64
}

func NewStatistics(title string) *Statistics {
	return &Statistics{title: title}
}

// Record counts one outcome and its duration in seconds.
func (s *Statistics) Record(outcome Outcome, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case Success:
		s.success++
	case Failure:
		s.failure++
	case Stopped:
		s.stopped++
	}
	s.durations = append(s.durations, seconds)
}

func (s *Statistics) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Statistics) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
}

func (s *Statistics) Success() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success
}

func (s *Statistics) Failure() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Statistics) Stopped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Total counts every recorded transaction.
func (s *Statistics) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success + s.failure + s.stopped
}

func (s *Statistics) DurationMin() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return durationMin(s.durations)
}

func (s *Statistics) DurationMax() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return durationMax(s.durations)
}

// DurationAvg is 0 when nothing was recorded.
func (s *Statistics) DurationAvg() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return durationAvg(s.durations)
}

// DurationStdDev is the sample standard deviation, 0 below two samples.
func (s *Statistics) DurationStdDev() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return durationStdDev(s.durations)
}

// Reset clears counters and durations. The title is kept.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success, s.failure, s.stopped = 0, 0, 0
	s.durations = nil
}

func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Title:     s.title,
		Success:   s.success,
		Failure:   s.failure,
		Stopped:   s.stopped,
		Total:     s.success + s.failure + s.stopped,
		DurMin:    durationMin(s.durations),
		DurAvg:    durationAvg(s.durations),
		DurMax:    durationMax(s.durations),
		DurStdDev: durationStdDev(s.durations),
	}
}

func durationMin(d []float64) float64 {
	if len(d) == 0 {
		return 0
	}
	m := d[0]
	for _, v := range d[1:] {
		m = math.Min(m, v)
	}
	return m
}

func durationMax(d []float64) float64 {
	if len(d) == 0 {
		return 0
	}
	m := d[0]
	for _, v := range d[1:] {
		m = math.Max(m, v)
	}
	return m
}

func durationAvg(d []float64) float64 {
	if len(d) == 0 {
		return 0
	}
	var sum float64
	for _, v := range d {
		sum += v
	}
	return sum / float64(len(d))
}

func durationStdDev(d []float64) float64 {
	if len(d) < 2 {
		return 0
	}
	avg := durationAvg(d)
	var sq float64
	for _, v := range d {
		sq += (v - avg) * (v - avg)
	}
	return math.Sqrt(sq / float64(len(d)-1))
}
