package plugins

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/houqp/kiorg/pkg/protocol"
)

// Previewer is the dispatch surface AsyncPreviewer drives. *Manager
// implements it.
type Previewer interface {
	Preview(path string) ([]protocol.Component, error)
}

// PreviewResult is one resolved preview. Generation lets consumers discard
// results overtaken by a newer request: keep the highest value seen and
// drop anything below it.
type PreviewResult struct {
	Generation uint64
	Path       string
	Components []protocol.Component
	Err        error
}

// AsyncPreviewer runs previews off the caller's thread and delivers
// results through a mailbox channel, so an interactive front end never
// blocks on plugin I/O. The wire protocol cannot abort plugin-side work,
// so cancellation means discarding a late result: each Request bumps a
// generation counter and a result whose generation is no longer current is
// dropped at resolution time.
type AsyncPreviewer struct {
	previewer Previewer
	log       *logrus.Logger
	gen       atomic.Uint64
	results   chan PreviewResult
}

// NewAsyncPreviewer returns a previewer delivering through Results.
func NewAsyncPreviewer(p Previewer, log *logrus.Logger) *AsyncPreviewer {
	if log == nil {
		log = logrus.New()
	}
	return &AsyncPreviewer{
		previewer: p,
		log:       log,
		results:   make(chan PreviewResult, 1),
	}
}

// Request schedules a preview of path and returns its generation. Any
// earlier in-flight request becomes stale immediately.
func (a *AsyncPreviewer) Request(path string) uint64 {
	gen := a.gen.Add(1)
	go func() {
		components, err := a.previewer.Preview(path)
		if a.gen.Load() != gen {
			a.log.WithField("path", path).Debug("dropping stale preview result")
			return
		}
		a.deliver(PreviewResult{
			Generation: gen,
			Path:       path,
			Components: components,
			Err:        err,
		})
	}()
	return gen
}

// Cancel invalidates any in-flight request without issuing a new one.
func (a *AsyncPreviewer) Cancel() {
	a.gen.Add(1)
}

// Results is the delivery mailbox. It holds only the freshest result: a
// result the consumer has not taken yet is displaced by a newer one rather
// than blocking a worker.
func (a *AsyncPreviewer) Results() <-chan PreviewResult {
	return a.results
}

func (a *AsyncPreviewer) deliver(res PreviewResult) {
	for {
		select {
		case a.results <- res:
			return
		default:
		}
		select {
		case stale := <-a.results:
			if stale.Generation > res.Generation {
				// Lost a race against a newer result; keep that one.
				res = stale
			}
		default:
		}
	}
}
