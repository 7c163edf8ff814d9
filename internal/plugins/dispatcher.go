package plugins

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/houqp/kiorg/internal/metrics"
	"github.com/houqp/kiorg/pkg/protocol"
)

// DefaultPreviewTimeout bounds one preview round trip when the caller does
// not configure one.
const DefaultPreviewTimeout = 5 * time.Second

// Dispatcher issues preview requests to registered plugins and resolves the
// replies to typed component trees. Single-flight and the timeout are
// enforced underneath by each plugin's supervisor; the dispatcher layers
// caching, metrics, and reply interpretation on top.
type Dispatcher struct {
	reg     *Registry
	cache   *PreviewCache
	met     *metrics.Metrics
	timeout time.Duration
	log     *logrus.Logger
}

// NewDispatcher returns a dispatcher over reg. cache may be nil to disable
// result caching, met may be nil to discard instrumentation, and a
// non-positive timeout falls back to DefaultPreviewTimeout.
func NewDispatcher(reg *Registry, cache *PreviewCache, met *metrics.Metrics, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	if met == nil {
		met = metrics.New(nil)
	}
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultPreviewTimeout
	}
	return &Dispatcher{reg: reg, cache: cache, met: met, timeout: timeout, log: log}
}

// RequestPreview asks the named plugin to render path and returns the
// component tree. A plugin-reported error comes back as *PluginError and
// leaves the plugin usable; timeouts, crashes, and protocol faults come
// back as the corresponding sentinel with the plugin marked Crashed.
func (d *Dispatcher) RequestPreview(name, path string) ([]protocol.Component, error) {
	return d.request(name, path, false)
}

// RequestPopup asks the named plugin for the expanded popup rendering of
// path. Plugins that negotiated a revision below PopupVersion are sent a
// plain preview request instead, so older plugins keep working.
func (d *Dispatcher) RequestPopup(name, path string) ([]protocol.Component, error) {
	return d.request(name, path, true)
}

func (d *Dispatcher) request(name, path string, popup bool) ([]protocol.Component, error) {
	if comps, ok := d.cache.Get(name, path, popup); ok {
		d.met.CacheHits.Inc()
		return comps, nil
	}
	d.met.CacheMisses.Inc()

	sup, ok := d.reg.Get(name)
	if !ok {
		d.met.ObservePreview(name, metrics.OutcomeUnavailable, 0)
		return nil, fmt.Errorf("%w: plugin %s is not registered", ErrPluginUnavailable, name)
	}

	var req protocol.Message = protocol.PreviewRequest{Path: path}
	if popup && sup.Version() >= protocol.PopupVersion {
		req = protocol.PreviewPopupRequest{Path: path}
	}

	logger := d.log.WithFields(logrus.Fields{
		"call_id": uuid.NewString(),
		"plugin":  name,
		"path":    path,
		"request": req.Tag(),
	})
	logger.Debug("dispatching preview")

	start := time.Now()
	reply, err := sup.RoundTrip(req, d.timeout)
	elapsed := time.Since(start)
	if err != nil {
		outcome := outcomeFor(err)
		d.met.ObservePreview(name, outcome, elapsed)
		if outcome == metrics.OutcomeTimeout || outcome == metrics.OutcomeCrash {
			d.met.CrashesTotal.WithLabelValues(name).Inc()
			d.cache.InvalidatePlugin(name)
		}
		logger.WithError(err).Debug("preview failed")
		return nil, err
	}

	switch msg := reply.(type) {
	case protocol.PreviewResponse:
		comps := []protocol.Component(msg.Components)
		d.cache.Put(name, path, popup, comps)
		d.met.ObservePreview(name, metrics.OutcomeOK, elapsed)
		logger.WithField("components", len(comps)).Debug("preview rendered")
		return comps, nil
	case protocol.ErrorResponse:
		// An ErrorResponse is an ordinary reply; the plugin stays usable.
		d.met.ObservePreview(name, metrics.OutcomePluginError, elapsed)
		return nil, &PluginError{Plugin: name, Message: msg.Message}
	default:
		sup.Fault(fmt.Sprintf("unexpected %s reply to %s", reply.Tag(), req.Tag()))
		d.met.ObservePreview(name, metrics.OutcomeCrash, elapsed)
		d.met.CrashesTotal.WithLabelValues(name).Inc()
		d.cache.InvalidatePlugin(name)
		return nil, fmt.Errorf("%w: unexpected %s reply", ErrPluginCrashed, reply.Tag())
	}
}

// outcomeFor maps a dispatch error to its metrics label. Busy must be
// checked before Unavailable because it wraps it.
func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrPluginBusy):
		return metrics.OutcomeBusy
	case errors.Is(err, ErrRequestTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrPluginCrashed):
		return metrics.OutcomeCrash
	default:
		return metrics.OutcomeUnavailable
	}
}
