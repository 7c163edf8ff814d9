// Package plugins implements the plugin host engine: discovery of plugin
// executables, per-process supervision with a handshake and respawn policy,
// capability routing, and single-flight preview dispatch over the stdio
// wire protocol.
package plugins

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/houqp/kiorg/internal/config"
	"github.com/houqp/kiorg/internal/metrics"
	"github.com/houqp/kiorg/internal/process"
	"github.com/houqp/kiorg/pkg/protocol"
)

// Manager owns the full plugin set for one session: it discovers
// executables, runs one supervision loop per plugin, maintains the registry
// the router reads, and exposes the preview facade the application calls.
type Manager struct {
	cfg      *config.Config
	executor process.Executor
	log      *logrus.Logger
	met      *metrics.Metrics

	registry   *Registry
	router     *Router
	dispatcher *Dispatcher
	cache      *PreviewCache
	discovery  *Discovery

	mu      sync.Mutex
	slots   map[string]*slot
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// slot tracks one plugin executable across process incarnations. sup points
// at the current incarnation and is replaced wholesale on respawn. regName
// is the registry key from the most recent successful registration, empty
// until the first one; incarnations that fail before registering do not
// clear it.
type slot struct {
	path     string
	sup      *Supervisor
	regName  string
	crashes  int
	disabled bool
}

// NewManager wires the engine together. executor may be nil for the real
// OS executor, met may be nil to discard instrumentation, log may be nil
// for a default stderr logger.
func NewManager(cfg *config.Config, executor process.Executor, met *metrics.Metrics, log *logrus.Logger) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if executor == nil {
		executor = process.NewOSExecutor()
	}
	if met == nil {
		met = metrics.New(nil)
	}
	if log == nil {
		log = logrus.New()
	}

	var cache *PreviewCache
	if cfg.CacheEntries > 0 {
		cache = NewPreviewCache(cfg.CacheEntries, cfg.CacheTTL.Std())
	}

	registry := NewRegistry()
	return &Manager{
		cfg:        cfg,
		executor:   executor,
		log:        log,
		met:        met,
		registry:   registry,
		router:     NewRouter(registry),
		dispatcher: NewDispatcher(registry, cache, met, cfg.PreviewTimeout.Std(), log),
		cache:      cache,
		discovery:  NewDiscovery(cfg.PluginDir, cfg.Disabled, log),
		slots:      make(map[string]*slot),
	}
}

// Start scans the plugin directory, spawns and handshakes every candidate
// in parallel, and leaves one supervision loop running per plugin. It
// returns once the initial pass is complete, so callers see the full Ready
// set. Per-plugin failures are logged and contained; only an unreadable
// plugin directory is an error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("plugin manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	paths, err := m.discovery.Discover()
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"dir":        m.cfg.PluginDir,
		"candidates": len(paths),
	}).Info("discovered plugin candidates")

	var g errgroup.Group
	for _, path := range paths {
		sl := &slot{path: path}
		m.mu.Lock()
		m.slots[path] = sl
		m.mu.Unlock()

		g.Go(func() error {
			m.attempt(sl)
			m.startSupervision(sl)
			return nil
		})
	}
	_ = g.Wait()

	m.refreshReadyGauge()
	m.log.WithField("ready", m.registry.Len()).Info("plugin engine started")
	return nil
}

// attempt runs one process incarnation up to registration: spawn,
// handshake, and registry insert, or replace under the slot's recorded name
// once any earlier incarnation has registered. On success the slot's
// consecutive crash counter resets. All failures leave the supervisor
// Crashed for the supervision loop to pick up.
func (m *Manager) attempt(sl *slot) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	regName := sl.regName
	sup := NewSupervisor(sl.path, m.executor, m.cfg.MaxFrameBytes, m.log)
	sl.sup = sup
	m.mu.Unlock()

	if err := sup.Start(m.ctx); err != nil {
		m.met.HandshakesTotal.WithLabelValues(metrics.HandshakeError).Inc()
		m.log.WithError(err).Warn("plugin spawn failed")
		return
	}
	if err := sup.Handshake(m.cfg.HandshakeTimeout.Std()); err != nil {
		m.met.HandshakesTotal.WithLabelValues(handshakeOutcome(err)).Inc()
		m.log.WithError(err).WithField("plugin", sup.Name()).Warn("plugin handshake failed")
		return
	}
	m.met.HandshakesTotal.WithLabelValues(metrics.HandshakeOK).Inc()

	var regErr error
	if regName != "" {
		regErr = m.registry.Replace(regName, sup)
	} else {
		regErr = m.registry.Insert(sup)
	}
	if regErr != nil {
		// Usually a name collision. Respawning cannot fix it, so the slot
		// is retired instead of crash-looping.
		m.log.WithError(regErr).WithField("path", sl.path).Error("plugin rejected")
		m.mu.Lock()
		sl.disabled = true
		m.mu.Unlock()
		if regName != "" {
			m.registry.Remove(regName)
			m.cache.InvalidatePlugin(regName)
		}
		sup.Terminate(time.Second)
		return
	}

	name := sup.Name()
	m.mu.Lock()
	sl.crashes = 0
	sl.regName = name
	m.mu.Unlock()
	m.refreshReadyGauge()
}

// superviseSlot is the long-lived watcher for one plugin executable. It
// waits for the current incarnation to exit, applies the respawn policy
// with exponential backoff, and retires the slot once the consecutive
// crash limit is exceeded.
func (m *Manager) superviseSlot(sl *slot) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		sup := sl.sup
		regName := sl.regName
		disabled := sl.disabled
		stopped := m.stopped
		m.mu.Unlock()
		if disabled || stopped || sup == nil {
			return
		}

		if sup.State() != StateCrashed {
			select {
			case <-m.ctx.Done():
				return
			case <-sup.Done():
			}
			if sup.State() == StateTerminated {
				return
			}
			sup.Fault("process exited")
		}

		name := regName
		if name == "" {
			name = sup.Name()
		}
		m.cache.InvalidatePlugin(name)
		m.refreshReadyGauge()

		m.mu.Lock()
		sl.crashes++
		crashes := sl.crashes
		m.mu.Unlock()

		if crashes > m.cfg.MaxRespawns {
			m.mu.Lock()
			sl.disabled = true
			m.mu.Unlock()
			if regName != "" {
				m.registry.Remove(regName)
			}
			m.log.WithFields(logrus.Fields{
				"plugin":  name,
				"crashes": crashes,
			}).Error("plugin exceeded respawn limit, disabled for this session")
			return
		}

		backoff := m.respawnBackoff(crashes)
		m.log.WithFields(logrus.Fields{
			"plugin":  name,
			"attempt": crashes,
			"backoff": backoff,
		}).Info("respawning plugin")
		m.met.RespawnsTotal.WithLabelValues(name).Inc()

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}

		m.attempt(sl)
	}
}

// startSupervision launches the supervision loop for sl. The stopped check
// and the WaitGroup add happen in one critical section; Shutdown sets
// stopped under the same lock before it waits on the group.
func (m *Manager) startSupervision(sl *slot) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.superviseSlot(sl)
}

// maxRespawnBackoff bounds the exponential respawn delay.
const maxRespawnBackoff = time.Minute

// respawnBackoff doubles the configured delay per consecutive crash.
// Doubling stops once the delay reaches maxRespawnBackoff.
func (m *Manager) respawnBackoff(crashes int) time.Duration {
	backoff := m.cfg.RespawnBackoff.Std()
	for i := 1; i < crashes && backoff < maxRespawnBackoff; i++ {
		backoff *= 2
	}
	return backoff
}

// Shutdown terminates every plugin process and waits for the supervision
// loops to drain. Stdin close and SIGTERM give each child grace to exit;
// stragglers are killed. Safe to call more than once.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sups := make([]*Supervisor, 0, len(m.slots))
	for _, sl := range m.slots {
		if sl.sup != nil {
			sups = append(sups, sl.sup)
		}
	}
	cancel := m.cancel
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			sup.Terminate(grace)
		}(sup)
	}
	wg.Wait()

	cancel()
	m.wg.Wait()
	m.refreshReadyGauge()
	m.log.Info("plugin engine stopped")
}

// Rescan re-reads the plugin directory, launching slots for executables
// that appeared and retiring slots whose executable is gone. Live plugins
// keep running untouched; a modified binary takes effect on its next
// respawn.
func (m *Manager) Rescan() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return errors.New("plugin manager not running")
	}
	m.mu.Unlock()

	paths, err := m.discovery.Discover()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		seen[path] = struct{}{}
	}

	var g errgroup.Group
	for _, path := range paths {
		m.mu.Lock()
		if _, exists := m.slots[path]; exists {
			m.mu.Unlock()
			continue
		}
		sl := &slot{path: path}
		m.slots[path] = sl
		m.mu.Unlock()

		m.log.WithField("path", path).Info("new plugin appeared")
		g.Go(func() error {
			m.attempt(sl)
			m.startSupervision(sl)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	var gone []*slot
	for path, sl := range m.slots {
		if _, ok := seen[path]; ok {
			continue
		}
		delete(m.slots, path)
		if sl.sup != nil {
			gone = append(gone, sl)
		}
	}
	m.mu.Unlock()

	for _, sl := range gone {
		m.mu.Lock()
		sup, name := sl.sup, sl.regName
		m.mu.Unlock()
		if name == "" {
			name = sup.Name()
		}
		sup.Terminate(time.Second)
		m.registry.Remove(name)
		m.cache.InvalidatePlugin(name)
		m.log.WithField("plugin", name).Info("plugin removed")
	}

	m.refreshReadyGauge()
	return nil
}

// Preview renders path through the first plugin whose pattern matches. A
// nil slice with a nil error means no plugin claims the file; callers fall
// back to their default rendering.
func (m *Manager) Preview(path string) ([]protocol.Component, error) {
	name, ok := m.router.SelectFirst(path)
	if !ok {
		return nil, nil
	}
	return m.dispatcher.RequestPreview(name, path)
}

// PreviewPopup renders the expanded popup view of path, with the same
// no-match semantics as Preview.
func (m *Manager) PreviewPopup(path string) ([]protocol.Component, error) {
	name, ok := m.router.SelectFirst(path)
	if !ok {
		return nil, nil
	}
	return m.dispatcher.RequestPopup(name, path)
}

// Router returns the capability router over the live registry.
func (m *Manager) Router() *Router { return m.router }

// Registry returns the live plugin registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatcher returns the preview dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// PluginStatus is a point-in-time snapshot of one plugin slot.
type PluginStatus struct {
	Name        string
	Path        string
	State       State
	Version     uint32
	PID         int
	Crashes     int
	Disabled    bool
	Pattern     string
	Description string
}

// Statuses reports every discovered plugin, including ones that never
// completed a handshake, sorted by executable path.
func (m *Manager) Statuses() []PluginStatus {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].path < slots[j].path })

	statuses := make([]PluginStatus, 0, len(slots))
	for _, sl := range slots {
		m.mu.Lock()
		sup := sl.sup
		crashes := sl.crashes
		disabled := sl.disabled
		m.mu.Unlock()

		st := PluginStatus{
			Path:     sl.path,
			Crashes:  crashes,
			Disabled: disabled,
			PID:      -1,
		}
		if sup != nil {
			st.Name = sup.Name()
			st.State = sup.State()
			st.Version = sup.Version()
			st.PID = sup.PID()
			if desc := sup.Descriptor(); desc != nil {
				st.Description = desc.Description
			}
			if caps := sup.Capabilities(); caps != nil {
				st.Pattern = caps.PreviewPattern()
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// refreshReadyGauge recounts plugins in the Ready state.
func (m *Manager) refreshReadyGauge() {
	ready := 0
	for _, sup := range m.registry.Snapshot() {
		if sup.State() == StateReady {
			ready++
		}
	}
	m.met.PluginsReady.Set(float64(ready))
}

// handshakeOutcome maps a handshake error to its metrics label.
func handshakeOutcome(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return metrics.HandshakeTimeout
	case errors.Is(err, ErrIncompatibleProtocol):
		return metrics.HandshakeIncompatible
	case errors.Is(err, ErrHandshakeRejected):
		return metrics.HandshakeRejected
	default:
		return metrics.HandshakeError
	}
}
