// Package metrics aggregates per-token statistics over a streamed completion.
package metrics

import "time"

const (
	DefaultMetricsInterval = 10
	DefaultMaxTimeGap      = 5 * time.Second
	DefaultWindowSize      = 100
)

type Options struct {
	MetricsInterval int
	MaxTimeGap      time.Duration
	WindowSize      int

	// Now replaces time.Now, mainly for tests.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MetricsInterval: DefaultMetricsInterval,
		MaxTimeGap:      DefaultMaxTimeGap,
		WindowSize:      DefaultWindowSize,
	}
}

// State is cumulative since the collector was created.
type State struct {
	TotalTokens            int     `json:"totalTokens"`
	MetricPoints           int     `json:"metricPoints"`
	TotalBytes             int     `json:"totalBytes"`
	TotalProcessTime       float64 `json:"totalProcessTime"`
	AverageTokenLength     float64 `json:"averageTokenLength"`
	StartTime              int64   `json:"startTime"`
	AverageTokensPerSecond float64 `json:"averageTokensPerSecond"`
}

// Snapshot covers the most recent sample window.
type Snapshot struct {
	AverageTokenLength float64 `json:"averageTokenLength"`
	ProcessTimeMs      float64 `json:"processTimeMs"`
	TotalBytes         int     `json:"totalBytes"`
	TokensPerSecond    float64 `json:"tokensPerSecond"`
}

type sample struct {
	length      int
	processTime float64
}

// Collector is owned by a single request and is not safe for concurrent use.
type Collector struct {
	opts Options

	state      State
	start      time.Time
	lastMetric time.Time

	// ring buffer of the last WindowSize samples
	window []sample
	head   int
	count  int
}

func NewCollector(opts Options) *Collector {
	def := DefaultOptions()
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = def.MetricsInterval
	}
	if opts.MaxTimeGap <= 0 {
		opts.MaxTimeGap = def.MaxTimeGap
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	now := opts.Now()
	return &Collector{
		opts:       opts,
		start:      now,
		lastMetric: now,
		state:      State{StartTime: now.UnixMilli()},
		window:     make([]sample, opts.WindowSize),
	}
}

// ProcessToken records one token. It returns a snapshot when one is due
// and false otherwise, including for an empty token.
func (c *Collector) ProcessToken(token string) (Snapshot, bool) {
	if token == "" {
		return Snapshot{}, false
	}

	began := c.opts.Now()

	c.state.TotalTokens++
	c.state.TotalBytes += len(token)
	c.state.AverageTokenLength = float64(c.state.TotalBytes) / float64(c.state.TotalTokens)

	now := c.opts.Now()
	processTime := float64(now.Sub(began)) / float64(time.Millisecond)
	c.state.TotalProcessTime += processTime
	c.push(sample{length: len(token), processTime: processTime})

	due := now.Sub(c.lastMetric) > c.opts.MaxTimeGap ||
		c.state.TotalTokens%c.opts.MetricsInterval == 0
	if !due {
		return Snapshot{}, false
	}

	snap := c.snapshot(now)
	c.lastMetric = now
	c.state.MetricPoints++
	return snap, true
}

func (c *Collector) push(s sample) {
	c.window[c.head] = s
	c.head = (c.head + 1) % len(c.window)
	if c.count < len(c.window) {
		c.count++
	}
}

func (c *Collector) snapshot(now time.Time) Snapshot {
	n := min(c.opts.MetricsInterval, c.count)

	var snap Snapshot
	var lengths int
	for i := 1; i <= n; i++ {
		s := c.window[(c.head-i+len(c.window))%len(c.window)]
		lengths += s.length
		snap.ProcessTimeMs += s.processTime
	}
	if n > 0 {
		snap.AverageTokenLength = float64(lengths) / float64(n)
	}
	snap.TotalBytes = lengths

	if elapsed := now.Sub(c.lastMetric).Seconds(); elapsed > 0 {
		snap.TokensPerSecond = float64(c.opts.MetricsInterval) / elapsed
	}
	return snap
}

// State recomputes the average rate against the current time.
func (c *Collector) State() State {
	st := c.state
	if elapsed := c.opts.Now().Sub(c.start).Seconds(); elapsed > 0 {
		st.AverageTokensPerSecond = float64(st.TotalTokens) / elapsed
	}
	return st
}

// WindowLen is the number of samples currently retained.
func (c *Collector) WindowLen() int {
	return c.count
}
