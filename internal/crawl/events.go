package crawl

import (
	"time"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

// EventKind identifies a scheduler event
type EventKind int

const (
	ZoomStarted EventKind = iota
	TileSkipped
	TileFinished
	CrawlFinished
)

func (k EventKind) String() string {
	switch k {
	case ZoomStarted:
		return "zoomStarted"
	case TileSkipped:
		return "tileSkipped"
	case TileFinished:
		return "tileFinished"
	case CrawlFinished:
		return "crawlFinished"
	default:
		return "unknown"
	}
}

// Event is one entry of the scheduler's progress stream
type Event struct {
	Kind EventKind
	Zoom int

	// ZoomStarted
	Frontier int

	// TileSkipped, TileFinished
	Tile     tile.Tile
	Verdict  Verdict
	Duration time.Duration

	// CrawlFinished
	Summary *Summary
	Err     error
}

// Sink receives scheduler events. Handle is called from the scheduler's
// goroutine and should not block for long.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event)

// Handle calls f(e)
func (f SinkFunc) Handle(e Event) { f(e) }

// MultiSink fans events out to several sinks in order
type MultiSink []Sink

// Handle forwards e to every sink
func (m MultiSink) Handle(e Event) {
	for _, s := range m {
		if s != nil {
			s.Handle(e)
		}
	}
}

// NopSink discards all events
type NopSink struct{}

// Handle does nothing
func (NopSink) Handle(Event) {}
