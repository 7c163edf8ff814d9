package plugins

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/houqp/kiorg/internal/logging"
	"github.com/houqp/kiorg/internal/process"
	"github.com/houqp/kiorg/pkg/protocol"
	"github.com/houqp/kiorg/pkg/sdk"
)

// pluginMain is the body of a fake plugin process. It runs in a goroutine
// with the plugin-side pipe ends and returns the exit code.
type pluginMain func(stdin io.Reader, stdout, stderr io.Writer) int

// fakeProcess implements process.Process over in-memory pipes, with a
// pluginMain standing in for the child. Killing it closes the plugin-side
// ends so a blocked main returns, mirroring how a real child's death
// surfaces as EOF on the host's reads.
type fakeProcess struct {
	hostStdin  *io.PipeWriter
	hostStdout *io.PipeReader
	hostStderr *io.PipeReader
	pluginIn   *io.PipeReader
	pluginOut  *io.PipeWriter
	pluginErr  *io.PipeWriter

	pid      int
	mu       sync.Mutex
	running  bool
	exitCode int
	done     chan struct{}
}

func newFakeProcess(pid int, main pluginMain) *fakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p := &fakeProcess{
		hostStdin:  stdinW,
		hostStdout: stdoutR,
		hostStderr: stderrR,
		pluginIn:   stdinR,
		pluginOut:  stdoutW,
		pluginErr:  stderrW,
		pid:        pid,
		running:    true,
		exitCode:   -1,
		done:       make(chan struct{}),
	}
	go func() {
		code := main(stdinR, stdoutW, stderrW)
		p.exit(code)
	}()
	return p
}

// exit records the first termination and closes the plugin-side writers so
// host readers drain to EOF. Later calls are no-ops.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.exitCode = code
	p.mu.Unlock()

	p.pluginOut.Close()
	p.pluginErr.Close()
	p.pluginIn.Close()
	close(p.done)
}

func (p *fakeProcess) PID() int                    { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser       { return p.hostStdin }
func (p *fakeProcess) Stdout() io.ReadCloser       { return p.hostStdout }
func (p *fakeProcess) Stderr() io.ReadCloser       { return p.hostStderr }
func (p *fakeProcess) Done() <-chan struct{}       { return p.done }
func (p *fakeProcess) Signal(process.Signal) error { return nil }

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.hostStdin.Close()
	p.pluginIn.CloseWithError(io.ErrClosedPipe)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Close() error {
	p.hostStdin.Close()
	p.hostStdout.Close()
	p.hostStderr.Close()
	return nil
}

func (p *fakeProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// fakeExecutor maps executable paths to pluginMain behaviors and counts
// spawns, so tests can script any plugin personality and assert on the
// respawn policy.
type fakeExecutor struct {
	mu       sync.Mutex
	mains    map[string]pluginMain
	spawnErr map[string]error
	spawns   map[string]int
	procs    []*fakeProcess
	nextPID  int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		mains:    make(map[string]pluginMain),
		spawnErr: make(map[string]error),
		spawns:   make(map[string]int),
		nextPID:  1000,
	}
}

func (e *fakeExecutor) register(path string, main pluginMain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mains[path] = main
}

func (e *fakeExecutor) failWith(path string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spawnErr[path] = err
}

func (e *fakeExecutor) Execute(ctx context.Context, cmd process.Command) (process.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := cmd.Executable()
	e.spawns[path]++
	if err := e.spawnErr[path]; err != nil {
		return nil, err
	}
	main, ok := e.mains[path]
	if !ok {
		return nil, fmt.Errorf("no such plugin binary: %s", path)
	}
	e.nextPID++
	proc := newFakeProcess(e.nextPID, main)
	e.procs = append(e.procs, proc)
	return proc, nil
}

func (e *fakeExecutor) spawnCount(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawns[path]
}

func (e *fakeExecutor) liveProcesses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := 0
	for _, proc := range e.procs {
		if proc.IsRunning() {
			live++
		}
	}
	return live
}

// sdkMain runs a real SDK serve loop as the plugin body, exercising the
// same code path a compiled plugin binary would.
func sdkMain(h sdk.Handler) pluginMain {
	return func(stdin io.Reader, stdout, stderr io.Writer) int {
		if err := sdk.ServeConn(context.Background(), stdin, stdout, h, logging.Discard()); err != nil {
			return 1
		}
		return 0
	}
}

// scriptedMain builds a plugin body from a raw frame script, for plugins
// that must misbehave in ways the SDK never would.
func scriptedMain(script func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int) pluginMain {
	return func(stdin io.Reader, stdout, stderr io.Writer) int {
		return script(protocol.NewFrameReader(stdin), protocol.NewFrameWriter(stdout))
	}
}

// exitImmediately simulates a binary that dies before speaking.
func exitImmediately() pluginMain {
	return func(io.Reader, io.Writer, io.Writer) int { return 1 }
}

// handshakeThenHang answers the handshake correctly and then swallows
// every request without replying.
func handshakeThenHang(desc protocol.PluginDescriptor) pluginMain {
	return scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
		if _, err := fr.ReadMessage(); err != nil {
			return 1
		}
		if err := fw.WriteMessage(protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: true}); err != nil {
			return 1
		}
		if _, err := fr.ReadMessage(); err != nil {
			return 1
		}
		if err := fw.WriteMessage(protocol.MetadataResponse{Descriptor: desc}); err != nil {
			return 1
		}
		for {
			if _, err := fr.ReadMessage(); err != nil {
				return 0
			}
		}
	})
}

// testHandler is a scriptable sdk.Handler.
type testHandler struct {
	desc      protocol.PluginDescriptor
	previewFn func(ctx context.Context, path string) ([]protocol.Component, error)
}

func (h testHandler) Descriptor() protocol.PluginDescriptor { return h.desc }

func (h testHandler) Preview(ctx context.Context, path string) ([]protocol.Component, error) {
	if h.previewFn != nil {
		return h.previewFn(ctx, path)
	}
	return []protocol.Component{protocol.Text{Text: "hello world"}}, nil
}

// popupTestHandler adds a distinct popup rendering on top of testHandler.
type popupTestHandler struct {
	testHandler
	popupFn func(ctx context.Context, path string) ([]protocol.Component, error)
}

func (h popupTestHandler) PreviewPopup(ctx context.Context, path string) ([]protocol.Component, error) {
	if h.popupFn != nil {
		return h.popupFn(ctx, path)
	}
	return []protocol.Component{protocol.Title{Text: "popup"}}, nil
}

// demoDescriptor is the canonical test descriptor: a preview plugin over
// text files.
func demoDescriptor(name, pattern string) protocol.PluginDescriptor {
	return protocol.PluginDescriptor{
		Name:        name,
		Version:     "1.0.0",
		Description: "test plugin",
		Capabilities: protocol.Capabilities{
			Preview: &protocol.PreviewCapability{FilePattern: pattern},
		},
	}
}
