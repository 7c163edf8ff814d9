package plugins

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/houqp/kiorg/internal/process"
	"github.com/houqp/kiorg/pkg/protocol"
)

// State is the lifecycle position of one plugin process.
type State int

const (
	// StateStarting means the process has not been spawned yet.
	StateStarting State = iota

	// StateHandshaking means the process is alive and the hello/metadata
	// exchange is in progress.
	StateHandshaking

	// StateReady means the plugin is idle and eligible for dispatch.
	StateReady

	// StateBusy means exactly one request is in flight.
	StateBusy

	// StateCrashed means the process exited unexpectedly or violated the
	// protocol. The manager decides whether to respawn.
	StateCrashed

	// StateTerminated means the host shut the plugin down deliberately.
	// No further transitions happen.
	StateTerminated
)

// String returns the lowercase state name used in logs and the CLI.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Supervisor owns one incarnation of a plugin process: the process handle,
// both pipe ends, and the lifecycle state. All frame I/O with the plugin
// goes through it; nothing else touches the pipes. A respawn after a crash
// gets a fresh Supervisor so stale pipes and capabilities cannot leak
// across restarts.
type Supervisor struct {
	path     string
	executor process.Executor
	maxFrame uint32
	log      *logrus.Logger

	mu       sync.Mutex
	state    State
	proc     process.Process
	fr       *protocol.FrameReader
	fw       *protocol.FrameWriter
	desc     *protocol.PluginDescriptor
	compiled *CompiledCapabilities
	version  uint32
}

// NewSupervisor prepares a supervisor for the executable at path. The
// process is not spawned until Start.
func NewSupervisor(path string, executor process.Executor, maxFrame uint32, log *logrus.Logger) *Supervisor {
	if maxFrame == 0 {
		maxFrame = protocol.DefaultMaxFrameBytes
	}
	if log == nil {
		log = logrus.New()
	}
	return &Supervisor{
		path:     path,
		executor: executor,
		maxFrame: maxFrame,
		log:      log,
		state:    StateStarting,
	}
}

// Start spawns the plugin process and wires the frame codec onto its pipes,
// moving the plugin to Handshaking. ctx bounds the lifetime of the child:
// cancelling it kills the process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStarting {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("plugin %s already started (state %s)", filepath.Base(s.path), st)
	}
	s.mu.Unlock()

	cmd, err := process.NewCommand(s.path)
	if err != nil {
		s.mu.Lock()
		s.state = StateCrashed
		s.mu.Unlock()
		return fmt.Errorf("plugin command %s: %w", s.path, err)
	}

	proc, err := s.executor.Execute(ctx, cmd)
	if err != nil {
		s.mu.Lock()
		s.state = StateCrashed
		s.mu.Unlock()
		return fmt.Errorf("spawning %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.fr = protocol.NewFrameReaderLimit(proc.Stdout(), s.maxFrame)
	s.fw = protocol.NewFrameWriter(proc.Stdin())
	s.state = StateHandshaking
	s.mu.Unlock()

	go s.drainStderr(proc)

	s.log.WithFields(logrus.Fields{
		"plugin": filepath.Base(s.path),
		"pid":    proc.PID(),
	}).Debug("plugin process spawned")
	return nil
}

// Handshake runs the hello and metadata exchange and moves the plugin to
// Ready. Version incompatibility, a declined hello, an invalid descriptor,
// or an invalid capability pattern all fail closed: the plugin is marked
// Crashed and never becomes visible to the router. The whole exchange
// shares one timeout.
func (s *Supervisor) Handshake(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != StateHandshaking {
		st := s.state
		name := s.labelLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: plugin %s is %s, not handshaking", ErrPluginUnavailable, name, st)
	}
	fr, fw := s.fr, s.fw
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.exchange(fr, fw) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.Fault(err.Error())
			return err
		}
	case <-timer.C:
		// Fault kills the process, which unblocks the exchange goroutine.
		s.Fault("handshake timed out")
		return fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
	}

	s.mu.Lock()
	if s.state == StateHandshaking {
		s.state = StateReady
	}
	ready := s.state == StateReady
	name := s.labelLocked()
	version := s.version
	s.mu.Unlock()
	if !ready {
		return fmt.Errorf("%w: plugin %s died during handshake", ErrPluginCrashed, name)
	}

	s.log.WithFields(logrus.Fields{
		"plugin":  name,
		"version": version,
	}).Info("plugin ready")
	if desc := s.Descriptor(); desc != nil && !desc.HasCapabilities() {
		s.log.WithField("plugin", name).Warn("plugin declares no capabilities and will never be selected")
	}
	return nil
}

// exchange performs the four handshake messages in order and records the
// descriptor, compiled capabilities, and negotiated version on success.
func (s *Supervisor) exchange(fr *protocol.FrameReader, fw *protocol.FrameWriter) error {
	if err := fw.WriteMessage(protocol.Hello{ProtocolVersion: protocol.ProtocolVersion}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	msg, err := fr.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading hello ack: %w", err)
	}
	ack, ok := msg.(protocol.HelloAck)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshakeRejected, protocol.TagHelloAck, msg.Tag())
	}
	if !ack.OK {
		return fmt.Errorf("%w: plugin declined", ErrHandshakeRejected)
	}
	if ack.ProtocolVersion < protocol.MinProtocolVersion {
		return fmt.Errorf("%w: plugin speaks revision %d, host requires at least %d",
			ErrIncompatibleProtocol, ack.ProtocolVersion, protocol.MinProtocolVersion)
	}
	version := protocol.EffectiveVersion(protocol.ProtocolVersion, ack.ProtocolVersion)

	if err := fw.WriteMessage(protocol.MetadataRequest{}); err != nil {
		return fmt.Errorf("sending metadata request: %w", err)
	}
	msg, err = fr.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	meta, ok := msg.(protocol.MetadataResponse)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshakeRejected, protocol.TagMetadataResponse, msg.Tag())
	}
	desc := meta.Descriptor
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("descriptor from %s: %w", filepath.Base(s.path), err)
	}
	compiled, err := CompileCapabilities(desc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.desc = &desc
	s.compiled = compiled
	s.version = version
	s.mu.Unlock()
	return nil
}

// RoundTrip sends req and blocks until the plugin replies or timeout
// elapses. The wire carries no correlation id, so the single-flight rule is
// what makes the next frame the reply to req: RoundTrip refuses to overlap
// requests with ErrPluginBusy instead of queueing. A timeout kills the
// process; EOF or an undecodable reply marks the plugin Crashed.
func (s *Supervisor) RoundTrip(req protocol.Message, timeout time.Duration) (protocol.Message, error) {
	s.mu.Lock()
	name := s.labelLocked()
	switch s.state {
	case StateBusy:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: plugin %s", ErrPluginBusy, name)
	case StateReady:
		s.state = StateBusy
	default:
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: plugin %s is %s", ErrPluginUnavailable, name, st)
	}
	fr, fw := s.fr, s.fw
	s.mu.Unlock()

	if err := fw.WriteMessage(req); err != nil {
		s.Fault(fmt.Sprintf("writing %s: %v", req.Tag(), err))
		return nil, fmt.Errorf("%w: %v", ErrPluginCrashed, err)
	}

	type reply struct {
		msg protocol.Message
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		msg, err := fr.ReadMessage()
		replies <- reply{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		if r.err != nil {
			s.Fault(fmt.Sprintf("reading reply to %s: %v", req.Tag(), r.err))
			return nil, fmt.Errorf("%w: %v", ErrPluginCrashed, r.err)
		}
		s.settle()
		return r.msg, nil
	case <-timer.C:
		// Killing the process unblocks the reader goroutine with EOF.
		s.Fault(fmt.Sprintf("no reply to %s within %s", req.Tag(), timeout))
		return nil, fmt.Errorf("%w: no reply within %s", ErrRequestTimeout, timeout)
	}
}

// settle returns the plugin to Ready after a completed round trip unless a
// fault landed in the meantime.
func (s *Supervisor) settle() {
	s.mu.Lock()
	if s.state == StateBusy {
		s.state = StateReady
	}
	s.mu.Unlock()
}

// Fault marks the plugin Crashed and tears the process down. Idempotent,
// safe from any goroutine; a Terminated plugin stays Terminated.
func (s *Supervisor) Fault(reason string) {
	s.mu.Lock()
	if s.state == StateCrashed || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateCrashed
	proc := s.proc
	name := s.labelLocked()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"plugin": name,
		"reason": reason,
	}).Warn("plugin crashed")

	if proc != nil {
		_ = proc.Kill()
		_ = proc.Close()
	}
}

// Terminate shuts the plugin down deliberately: close stdin so a
// well-behaved plugin exits on EOF, send SIGTERM, wait up to grace, then
// force-kill. Safe to call more than once and from any state.
func (s *Supervisor) Terminate(grace time.Duration) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	proc := s.proc
	name := s.labelLocked()
	s.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Stdin().Close()
	_ = proc.Signal(process.SignalTerminate)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		s.log.WithField("plugin", name).Warn("plugin ignored terminate, killing")
		_ = proc.Kill()
		<-proc.Done()
	}
	_ = proc.Close()

	s.log.WithFields(logrus.Fields{
		"plugin":    name,
		"exit_code": proc.ExitCode(),
	}).Debug("plugin terminated")
}

// maxStderrLine caps how much of one plugin stderr line is logged.
const maxStderrLine = 1 << 20

// drainStderr forwards the plugin's diagnostic output to the host log so
// the child never blocks on a full stderr pipe. A line above maxStderrLine
// ends the logging; the rest of the stream is still consumed and dropped.
func (s *Supervisor) drainStderr(proc process.Process) {
	stderr := proc.Stderr()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		s.log.WithField("plugin", s.Name()).Debug(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, stderr)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the descriptor name once the handshake has produced one,
// falling back to the executable's basename before that.
func (s *Supervisor) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labelLocked()
}

// Path returns the plugin executable path.
func (s *Supervisor) Path() string { return s.path }

// Descriptor returns the descriptor reported during the handshake, nil
// before the handshake completes. Descriptors are immutable once reported.
func (s *Supervisor) Descriptor() *protocol.PluginDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// Capabilities returns the compiled capability set, nil before Ready.
func (s *Supervisor) Capabilities() *CompiledCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiled
}

// Version returns the negotiated protocol revision, zero before the
// handshake completes.
func (s *Supervisor) Version() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// PID returns the child's process ID, -1 when no process exists.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return -1
	}
	return s.proc.PID()
}

// Done exposes the process exit channel for the manager's crash watcher.
// Before Start it returns nil, which blocks forever in a select.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.Done()
}

// labelLocked picks the best available display name. Callers hold mu.
func (s *Supervisor) labelLocked() string {
	if s.desc != nil {
		return s.desc.Name
	}
	return filepath.Base(s.path)
}
