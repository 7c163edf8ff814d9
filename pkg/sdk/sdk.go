// Package sdk implements the plugin side of the kiorg preview protocol.
//
// A plugin is an ordinary executable: implement Handler, call Run from
// main, and install the binary in the kiorg plugin directory with a
// kiorg_plugin_ filename prefix. The host spawns it with no arguments,
// negotiates a protocol revision over stdin/stdout, fetches the
// descriptor, and then issues preview requests one at a time.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/houqp/kiorg/internal/logging"
	"github.com/houqp/kiorg/pkg/protocol"
)

// Handler is the application surface of a plugin.
type Handler interface {
	// Descriptor identifies the plugin and declares its capabilities.
	// It must be constant for the life of the process.
	Descriptor() protocol.PluginDescriptor

	// Preview renders the file at path into components. Returning an
	// error produces an ErrorResponse; the plugin stays alive.
	Preview(ctx context.Context, path string) ([]protocol.Component, error)
}

// PopupHandler is an optional extension for plugins that render a richer
// expanded view. Plugins without it serve popup requests from Preview.
type PopupHandler interface {
	Handler

	// PreviewPopup renders the expanded popup view of path.
	PreviewPopup(ctx context.Context, path string) ([]protocol.Component, error)
}

// ServeConn speaks the host protocol over r and w until the peer closes
// the stream. It is the transport-free core of Run; tests and in-process
// hosts drive it over pipes.
func ServeConn(ctx context.Context, r io.Reader, w io.Writer, h Handler, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}
	fr := protocol.NewFrameReader(r)
	fw := protocol.NewFrameWriter(w)

	msg, err := fr.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		return fmt.Errorf("expected %s, got %s", protocol.TagHello, msg.Tag())
	}
	if hello.ProtocolVersion < protocol.MinProtocolVersion {
		_ = fw.WriteMessage(protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: false})
		return fmt.Errorf("host protocol revision %d is unsupported", hello.ProtocolVersion)
	}
	if err := fw.WriteMessage(protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: true}); err != nil {
		return fmt.Errorf("sending hello ack: %w", err)
	}
	log.WithField("version", protocol.EffectiveVersion(hello.ProtocolVersion, protocol.ProtocolVersion)).
		Debug("handshake complete")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := fr.ReadMessage()
		if errors.Is(err, io.EOF) {
			// Host closed stdin: clean shutdown.
			return nil
		}
		if errors.Is(err, protocol.ErrUnknownTag) {
			// A newer host may speak requests this SDK predates. Exactly
			// one frame was consumed, so the stream is still aligned and
			// an error reply keeps the exchange balanced.
			if werr := fw.WriteMessage(protocol.ErrorResponse{Message: "unsupported request"}); werr != nil {
				return fmt.Errorf("sending error response: %w", werr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}

		var reply protocol.Message
		switch req := msg.(type) {
		case protocol.MetadataRequest:
			reply = protocol.MetadataResponse{Descriptor: h.Descriptor()}
		case protocol.PreviewRequest:
			reply = renderPreview(ctx, h, req.Path, false)
		case protocol.PreviewPopupRequest:
			reply = renderPreview(ctx, h, req.Path, true)
		case protocol.Hello:
			// A duplicate hello gets re-acked so a retrying host stays
			// aligned.
			reply = protocol.HelloAck{ProtocolVersion: protocol.ProtocolVersion, OK: true}
		default:
			reply = protocol.ErrorResponse{Message: fmt.Sprintf("unexpected %s request", msg.Tag())}
		}
		if err := fw.WriteMessage(reply); err != nil {
			return fmt.Errorf("sending %s: %w", reply.Tag(), err)
		}
	}
}

// renderPreview invokes the handler, converting an error or panic into an
// ErrorResponse so one bad file cannot take the plugin down.
func renderPreview(ctx context.Context, h Handler, path string, popup bool) (reply protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			reply = protocol.ErrorResponse{Message: fmt.Sprintf("preview panic: %v", r)}
		}
	}()

	var (
		components []protocol.Component
		err        error
	)
	if ph, ok := h.(PopupHandler); popup && ok {
		components, err = ph.PreviewPopup(ctx, path)
	} else {
		components, err = h.Preview(ctx, path)
	}
	if err != nil {
		return protocol.ErrorResponse{Message: err.Error()}
	}
	return protocol.PreviewResponse{Components: protocol.ComponentList(components)}
}

// Run serves h over stdin and stdout until the host closes the stream,
// then exits. It also answers --metadata (print the descriptor as YAML)
// and --help, so a binary invoked by hand explains itself instead of
// waiting silently for frames that never arrive.
func Run(h Handler) {
	desc := h.Descriptor()

	for _, arg := range os.Args[1:] {
		switch arg {
		case "--metadata":
			out, err := yaml.Marshal(desc)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			_, _ = os.Stdout.Write(out)
			return
		case "--help", "-h":
			printHelp(desc)
			return
		}
	}

	log := logging.New(os.Getenv("KIORG_LOG_LEVEL"), os.Stderr)
	if err := ServeConn(context.Background(), os.Stdin, os.Stdout, h, log); err != nil {
		log.WithError(err).Error("plugin terminated")
		os.Exit(1)
	}
}

func printHelp(desc protocol.PluginDescriptor) {
	fmt.Printf("%s %s - kiorg preview plugin\n", desc.Name, desc.Version)
	if desc.Description != "" {
		fmt.Printf("\n%s\n", desc.Description)
	}
	if desc.Capabilities.Preview != nil {
		fmt.Printf("\nPreviews files matching: %s\n", desc.Capabilities.Preview.FilePattern)
	}
	if desc.Homepage != "" {
		fmt.Printf("Homepage: %s\n", desc.Homepage)
	}
	fmt.Println("\nThis executable is spawned by kiorg and speaks a binary protocol")
	fmt.Println("over stdin/stdout. Install it in the kiorg plugin directory with a")
	fmt.Println("kiorg_plugin_ filename prefix; it takes no arguments.")
}
