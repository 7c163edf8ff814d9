package plugins

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houqp/kiorg/internal/logging"
	"github.com/houqp/kiorg/pkg/protocol"
)

// startSupervisor spawns a fake plugin and returns its supervisor, failing
// the test if the spawn itself does not work.
func startSupervisor(t *testing.T, main pluginMain) (*Supervisor, *fakeExecutor) {
	t.Helper()

	exec := newFakeExecutor()
	exec.register("/plugins/kiorg_plugin_demo", main)
	sup := NewSupervisor("/plugins/kiorg_plugin_demo", exec, 0, logging.Discard())
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { sup.Terminate(time.Second) })
	return sup, exec
}

// readySupervisor runs the full handshake against an SDK-backed plugin.
func readySupervisor(t *testing.T, h testHandler) (*Supervisor, *fakeExecutor) {
	t.Helper()

	sup, exec := startSupervisor(t, sdkMain(h))
	require.NoError(t, sup.Handshake(2*time.Second))
	require.Equal(t, StateReady, sup.State())
	return sup, exec
}

// TestSupervisor_Handshake_BecomesReady tests the full hello and metadata
// exchange against a plugin running the real SDK serve loop
func TestSupervisor_Handshake_BecomesReady(t *testing.T) {
	h := testHandler{desc: demoDescriptor("demo", `\.txt$`)}
	sup, _ := readySupervisor(t, h)

	assert.Equal(t, "demo", sup.Name())
	assert.Equal(t, protocol.ProtocolVersion, sup.Version())
	require.NotNil(t, sup.Descriptor())
	assert.Equal(t, "1.0.0", sup.Descriptor().Version)

	caps := sup.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.MatchesPreview("/home/user/notes.txt"))
	assert.False(t, caps.MatchesPreview("/home/user/photo.png"))
	assert.Greater(t, sup.PID(), 0)
}

// TestSupervisor_Handshake_FailsClosed tests that a declined hello, an
// incompatible version, a protocol violation, and a malformed descriptor
// all leave the plugin crashed and invisible to routing
func TestSupervisor_Handshake_FailsClosed(t *testing.T) {
	validDesc := demoDescriptor("demo", `\.txt$`)
	noName := validDesc
	noName.Name = ""

	tests := []struct {
		name        string
		main        pluginMain
		wantErr     error
		description string
	}{
		{
			name: "plugin declines hello",
			main: scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
				fr.ReadMessage()
				fw.WriteMessage(protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: false})
				return 0
			}),
			wantErr:     ErrHandshakeRejected,
			description: "ok=false must reject the handshake",
		},
		{
			name: "plugin speaks prehistoric revision",
			main: scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
				fr.ReadMessage()
				fw.WriteMessage(protocol.HelloAck{ProtocolVersion: 0, OK: true})
				return 0
			}),
			wantErr:     ErrIncompatibleProtocol,
			description: "versions below the supported floor are refused",
		},
		{
			name: "wrong reply to hello",
			main: scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
				fr.ReadMessage()
				fw.WriteMessage(protocol.MetadataResponse{Descriptor: validDesc})
				return 0
			}),
			wantErr:     ErrHandshakeRejected,
			description: "the first reply must be a hello ack",
		},
		{
			name:        "process exits before answering",
			main:        exitImmediately(),
			wantErr:     nil,
			description: "EOF during the exchange is a handshake failure",
		},
		{
			name:        "nameless descriptor",
			main:        sdkMain(testHandler{desc: noName}),
			wantErr:     nil,
			description: "descriptor validation rejects an empty name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, exec := startSupervisor(t, tt.main)

			err := sup.Handshake(2 * time.Second)
			require.Error(t, err, tt.description)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr, tt.description)
			}
			assert.Equal(t, StateCrashed, sup.State())
			assert.Equal(t, 0, exec.liveProcesses(), "a failed handshake must not leave the process running")
		})
	}
}

// TestSupervisor_Handshake_RejectsInvalidPattern tests that a descriptor
// whose preview pattern does not compile never reaches Ready
func TestSupervisor_Handshake_RejectsInvalidPattern(t *testing.T) {
	h := testHandler{desc: demoDescriptor("broken", `([`)}
	sup, exec := startSupervisor(t, sdkMain(h))

	err := sup.Handshake(2 * time.Second)
	require.Error(t, err)

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "broken", capErr.Plugin)
	assert.Equal(t, StateCrashed, sup.State())
	assert.Equal(t, 0, exec.liveProcesses())
}

// TestSupervisor_Handshake_TimesOut tests that a plugin that never answers
// the hello is killed within the handshake deadline
func TestSupervisor_Handshake_TimesOut(t *testing.T) {
	silent := scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
		fr.ReadMessage()
		fr.ReadMessage() // nothing else arrives; block until the host kills us
		return 0
	})
	sup, exec := startSupervisor(t, silent)

	start := time.Now()
	err := sup.Handshake(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "the timeout must bound the wait")
	assert.Equal(t, StateCrashed, sup.State())
	assert.Equal(t, 0, exec.liveProcesses())
}

// TestSupervisor_RoundTrip_DeliversReply tests a preview round trip and
// that the stream stays usable for the next request afterwards
func TestSupervisor_RoundTrip_DeliversReply(t *testing.T) {
	h := testHandler{desc: demoDescriptor("demo", `\.txt$`)}
	sup, _ := readySupervisor(t, h)

	for i := 0; i < 2; i++ {
		reply, err := sup.RoundTrip(protocol.PreviewRequest{Path: "/tmp/notes.txt"}, 2*time.Second)
		require.NoError(t, err)

		resp, ok := reply.(protocol.PreviewResponse)
		require.True(t, ok, "expected a preview response, got %s", reply.Tag())
		require.Len(t, resp.Components, 1)
		assert.Equal(t, protocol.Text{Text: "hello world"}, resp.Components[0])
		assert.Equal(t, StateReady, sup.State())
	}
}

// TestSupervisor_RoundTrip_SingleFlight tests that overlapping requests are
// rejected immediately instead of being queued behind the one in flight
func TestSupervisor_RoundTrip_SingleFlight(t *testing.T) {
	block := make(chan struct{})
	h := testHandler{
		desc: demoDescriptor("demo", `\.txt$`),
		previewFn: func(ctx context.Context, path string) ([]protocol.Component, error) {
			<-block
			return []protocol.Component{protocol.Text{Text: "done"}}, nil
		},
	}
	sup, _ := readySupervisor(t, h)

	const callers = 4
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := sup.RoundTrip(protocol.PreviewRequest{Path: "/tmp/notes.txt"}, 5*time.Second)
			results <- err
		}()
	}

	// Exactly one caller owns the stream; the rest must bounce off it
	// without blocking.
	busy := 0
	for busy < callers-1 {
		err := <-results
		require.ErrorIs(t, err, ErrPluginBusy)
		require.ErrorIs(t, err, ErrPluginUnavailable)
		busy++
	}

	close(block)
	require.NoError(t, <-results)
	assert.Equal(t, StateReady, sup.State())
}

// TestSupervisor_RoundTrip_TimeoutKillsProcess tests that a hung plugin is
// killed and reported within the request deadline
func TestSupervisor_RoundTrip_TimeoutKillsProcess(t *testing.T) {
	sup, exec := startSupervisor(t, handshakeThenHang(demoDescriptor("demo", `\.txt$`)))
	require.NoError(t, sup.Handshake(2*time.Second))

	start := time.Now()
	_, err := sup.RoundTrip(protocol.PreviewRequest{Path: "/tmp/notes.txt"}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateCrashed, sup.State())
	assert.Equal(t, 0, exec.liveProcesses(), "a timed-out plugin must not keep running")
}

// TestSupervisor_RoundTrip_ProcessExit tests that a plugin dying mid-request
// surfaces as a crash rather than a hang
func TestSupervisor_RoundTrip_ProcessExit(t *testing.T) {
	dies := scriptedMain(func(fr *protocol.FrameReader, fw *protocol.FrameWriter) int {
		fr.ReadMessage()
		fw.WriteMessage(protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: true})
		fr.ReadMessage()
		fw.WriteMessage(protocol.MetadataResponse{Descriptor: demoDescriptor("demo", `\.txt$`)})
		fr.ReadMessage() // swallow the preview request, then die
		return 1
	})
	sup, _ := startSupervisor(t, dies)
	require.NoError(t, sup.Handshake(2*time.Second))

	_, err := sup.RoundTrip(protocol.PreviewRequest{Path: "/tmp/notes.txt"}, 2*time.Second)
	require.ErrorIs(t, err, ErrPluginCrashed)
	assert.Equal(t, StateCrashed, sup.State())
}

// TestSupervisor_RoundTrip_RequiresReady tests the states that refuse
// dispatch outright
func TestSupervisor_RoundTrip_RequiresReady(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(t *testing.T) *Supervisor
		description string
	}{
		{
			name: "never started",
			prepare: func(t *testing.T) *Supervisor {
				return NewSupervisor("/plugins/kiorg_plugin_demo", newFakeExecutor(), 0, logging.Discard())
			},
			description: "a supervisor without a process cannot carry requests",
		},
		{
			name: "crashed",
			prepare: func(t *testing.T) *Supervisor {
				sup, _ := readySupervisor(t, testHandler{desc: demoDescriptor("demo", `\.txt$`)})
				sup.Fault("test induced")
				return sup
			},
			description: "a crashed plugin stays unroutable until respawned",
		},
		{
			name: "terminated",
			prepare: func(t *testing.T) *Supervisor {
				sup, _ := readySupervisor(t, testHandler{desc: demoDescriptor("demo", `\.txt$`)})
				sup.Terminate(time.Second)
				return sup
			},
			description: "termination is final for this incarnation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := tt.prepare(t)
			_, err := sup.RoundTrip(protocol.PreviewRequest{Path: "/tmp/notes.txt"}, time.Second)
			require.ErrorIs(t, err, ErrPluginUnavailable, tt.description)
			assert.NotErrorIs(t, err, ErrPluginBusy)
		})
	}
}

// TestSupervisor_Terminate_GracefulShutdown tests that closing stdin lets a
// well-behaved plugin exit cleanly
func TestSupervisor_Terminate_GracefulShutdown(t *testing.T) {
	h := testHandler{desc: demoDescriptor("demo", `\.txt$`)}
	sup, exec := readySupervisor(t, h)

	sup.Terminate(2 * time.Second)
	assert.Equal(t, StateTerminated, sup.State())
	assert.Equal(t, 0, exec.liveProcesses())

	// Terminating again is a no-op.
	sup.Terminate(2 * time.Second)
	assert.Equal(t, StateTerminated, sup.State())
}

// TestSupervisor_Fault_Idempotent tests that repeated faults and faults
// after termination do not fight over the state
func TestSupervisor_Fault_Idempotent(t *testing.T) {
	h := testHandler{desc: demoDescriptor("demo", `\.txt$`)}
	sup, exec := readySupervisor(t, h)

	sup.Fault("first")
	require.Equal(t, StateCrashed, sup.State())
	require.Equal(t, 0, exec.liveProcesses())

	sup.Fault("second")
	assert.Equal(t, StateCrashed, sup.State())

	sup.Terminate(time.Second)
	sup.Fault("after terminate")
	assert.Equal(t, StateTerminated, sup.State(), "a deliberate shutdown is never reclassified as a crash")
}

// TestSupervisor_StderrDrain_OversizedLine tests that one enormous stderr
// line does not end the drain: the plugin can keep writing afterwards
// without blocking on a full pipe
func TestSupervisor_StderrDrain_OversizedLine(t *testing.T) {
	wrote := make(chan struct{})
	noisy := func(stdin io.Reader, stdout, stderr io.Writer) int {
		line := append(bytes.Repeat([]byte("x"), 2<<20), '\n')
		if _, err := stderr.Write(line); err != nil {
			return 1
		}
		if _, err := stderr.Write([]byte("still here\n")); err != nil {
			return 1
		}
		close(wrote)
		_, _ = io.Copy(io.Discard, stdin)
		return 0
	}

	startSupervisor(t, noisy)

	select {
	case <-wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("stderr drain stalled on an oversized line")
	}
}

// TestState_String tests the log labels for every state
func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "crashed", StateCrashed.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "state(42)", State(42).String())
}
