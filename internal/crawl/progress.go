package crawl

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Progress holds the state of the zoom level currently being crawled
type Progress struct {
	Zoom       int
	Done       int
	Total      int
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	Throughput float64 // tiles per second
}

// ProgressTracker follows the scheduler's event stream and logs a
// progress line every `every` tiles within a zoom level
type ProgressTracker struct {
	log   *zap.Logger
	every int
	now   func() time.Time

	mu        sync.Mutex
	zoom      int
	total     int
	done      int
	zoomStart time.Time
}

// NewProgressTracker creates a tracker logging to log
func NewProgressTracker(log *zap.Logger, every int) *ProgressTracker {
	if every < 1 {
		every = 100
	}
	return &ProgressTracker{log: log, every: every, now: time.Now}
}

// Handle updates the tracker from e
func (p *ProgressTracker) Handle(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case ZoomStarted:
		p.zoom = e.Zoom
		p.total = e.Frontier
		p.done = 0
		p.zoomStart = p.now()
		return
	case TileSkipped, TileFinished:
		p.done++
	default:
		return
	}

	if p.done%p.every != 0 || p.done == p.total {
		return
	}
	pr := p.calculate()
	p.log.Info("Crawl progress",
		zap.Int("zoom", pr.Zoom),
		zap.String("tiles", fmt.Sprintf("%d/%d", pr.Done, pr.Total)),
		zap.String("pct", fmt.Sprintf("%.1f%%", pr.Percentage)),
		zap.String("rate", FormatThroughput(pr.Throughput)),
		zap.String("eta", FormatETA(pr.ETA)),
	)
}

// Snapshot returns the current progress
func (p *ProgressTracker) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calculate()
}

func (p *ProgressTracker) calculate() Progress {
	elapsed := p.now().Sub(p.zoomStart)

	var percentage, throughput float64
	var eta time.Duration
	if p.total > 0 {
		percentage = float64(p.done) / float64(p.total) * 100
	}
	if elapsed.Seconds() > 0 {
		throughput = float64(p.done) / elapsed.Seconds()
	}
	if throughput > 0 && p.done < p.total {
		eta = time.Duration(float64(p.total-p.done) / throughput * float64(time.Second))
	}

	return Progress{
		Zoom:       p.zoom,
		Done:       p.done,
		Total:      p.total,
		Percentage: percentage,
		Elapsed:    elapsed.Round(time.Second),
		ETA:        eta.Round(time.Second),
		Throughput: throughput,
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats tiles per second; crawls throttled below one
// request per second are shown per minute
func FormatThroughput(perSec float64) string {
	if perSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	if perSec >= 1 {
		return fmt.Sprintf("%.1f/s", perSec)
	}
	return fmt.Sprintf("%.0f/min", perSec*60)
}
