package crawl

import (
	"go.uber.org/zap"
)

// LogSink renders scheduler events with zap. Cache hits are logged at
// debug level so resumed runs stay quiet.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a sink writing to log
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Handle logs e
func (s *LogSink) Handle(e Event) {
	switch e.Kind {
	case ZoomStarted:
		s.log.Info("Processing zoom",
			zap.Int("zoom", e.Zoom),
			zap.Int("tiles", e.Frontier),
		)

	case TileSkipped:
		s.log.Debug("Tile outside territory",
			zap.Stringer("tile", e.Tile),
		)

	case TileFinished:
		fields := []zap.Field{
			zap.Stringer("tile", e.Tile),
			zap.Stringer("status", e.Verdict.Status),
			zap.String("comment", e.Verdict.Comment),
		}
		if e.Verdict.Cache == CacheUsed {
			s.log.Debug("Tile from cache", fields...)
			return
		}
		fields = append(fields, zap.Duration("took", e.Duration))
		s.log.Info("Tile fetched", fields...)

	case CrawlFinished:
		sum := e.Summary
		if sum == nil {
			return
		}
		fields := []zap.Field{
			zap.Int("processed", sum.Processed),
			zap.Int("fetched", sum.Fetched),
			zap.Int("cache_hits", sum.CacheHits),
			zap.Int("splits", sum.Splits),
			zap.Int("skipped", sum.Skipped),
			zap.Duration("elapsed", sum.Elapsed),
		}
		if e.Err != nil {
			fields = append(fields, zap.Int("stuck", sum.Stuck), zap.Error(e.Err))
			s.log.Error("Crawl aborted", fields...)
			return
		}
		s.log.Info("Crawl complete", fields...)
	}
}
