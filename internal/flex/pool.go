package flex

import (
	"context"
	"runtime"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FilterStats counts what a filter pass did
type FilterStats struct {
	Processed int
	Kept      int
	Dropped   int
}

// Pool runs one script on several Lua states in parallel. Each worker owns
// its state; Lua states are never shared between goroutines.
type Pool struct {
	workers []*Runtime
	log     *zap.Logger
}

// NewPool loads the script at path into workers runtimes
func NewPool(path string, workers int, log *zap.Logger) (*Pool, error) {
	return newPool(workers, log, func(r *Runtime) error { return r.LoadFile(path) })
}

// NewPoolFromString is NewPool for inline script source
func NewPoolFromString(code string, workers int, log *zap.Logger) (*Pool, error) {
	return newPool(workers, log, func(r *Runtime) error { return r.LoadString(code) })
}

func newPool(workers int, log *zap.Logger, load func(*Runtime) error) (*Pool, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{log: log}
	for i := 0; i < workers; i++ {
		r := NewRuntime(log.With(zap.Int("lua_worker", i)))
		if err := load(r); err != nil {
			r.Close()
			p.Close()
			return nil, eris.Wrapf(err, "failed to create Lua worker %d", i)
		}
		p.workers = append(p.workers, r)
	}
	return p, nil
}

// Close releases every worker
func (p *Pool) Close() {
	for _, r := range p.workers {
		r.Close()
	}
	p.workers = nil
}

// Filter runs the script over features and returns the kept ones in input
// order. Any script error fails the whole pass.
func (p *Pool) Filter(ctx context.Context, features []Feature) ([]Feature, FilterStats, error) {
	stats := FilterStats{Processed: len(features)}
	if len(features) == 0 {
		return nil, stats, nil
	}

	out := make([]Feature, len(features))
	keep := make([]bool, len(features))

	// Contiguous chunks, one per worker
	n := len(p.workers)
	chunk := (len(features) + n - 1) / n
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		start := w * chunk
		if start >= len(features) {
			break
		}
		end := min(start+chunk, len(features))
		r := p.workers[w]
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				f, ok, err := r.Process(features[i])
				if err != nil {
					return err
				}
				out[i], keep[i] = f, ok
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	kept := out[:0]
	for i := range out {
		if keep[i] {
			kept = append(kept, out[i])
		}
	}
	stats.Kept = len(kept)
	stats.Dropped = stats.Processed - stats.Kept

	p.log.Debug("Lua filter finished",
		zap.Int("processed", stats.Processed),
		zap.Int("kept", stats.Kept),
		zap.Int("dropped", stats.Dropped),
	)
	return kept, stats, nil
}
