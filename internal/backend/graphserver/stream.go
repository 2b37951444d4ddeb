package graphserver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiowire/audiowire/pkg/audiohost"
)

// Stream is one graph client carrying a single direction of audio. It
// implements audiohost.Stream; the graph-specific port wiring helpers are
// reachable by asserting to this type.
type Stream struct {
	client *Client
	server *Server
	logger *slog.Logger

	// playing gates the bridge. Streams are built paused.
	playing atomic.Bool
	input   bool

	destroyOnce sync.Once
}

// Play starts data delivery on the next cycle that observes the flag.
func (s *Stream) Play() { s.playing.Store(true) }

// Pause suspends data delivery. Output ports carry silence while paused;
// partially staged input frames are held, not dropped.
func (s *Stream) Pause() { s.playing.Store(false) }

// Destroy closes the underlying client. Closing takes the server mutex that
// every cycle holds end to end, so once Destroy returns neither the data nor
// the error callback will run again. Idempotent.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		s.client.Close()
		s.logger.Debug("stream destroyed")
	})
}

// PortNames returns the stream's port names in channel order.
func (s *Stream) PortNames() []string {
	ports := s.client.Ports()
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name()
	}
	return names
}

// ConnectToSystemOutputs wires the stream's channels onto the system playback
// ports in order. When the stream has more channels than the system, the
// extra channels are simply left unconnected. Individual connection failures
// are logged and skipped.
func (s *Stream) ConnectToSystemOutputs() error {
	if s.input {
		return fmt.Errorf("connect to system outputs: %q is an input stream", s.client.Name())
	}
	system, err := s.server.Ports("^system:playback_")
	if err != nil {
		return err
	}
	for i, name := range s.PortNames() {
		if i >= len(system) {
			break
		}
		if err := s.server.Connect(name, system[i]); err != nil {
			s.logger.Warn("port connection failed", "src", name, "dst", system[i], "err", err)
		}
	}
	return nil
}

// ConnectToSystemInputs wires the system capture ports onto the stream's
// channels in order, with the same partial-wiring behavior as
// ConnectToSystemOutputs.
func (s *Stream) ConnectToSystemInputs() error {
	if !s.input {
		return fmt.Errorf("connect to system inputs: %q is an output stream", s.client.Name())
	}
	system, err := s.server.Ports("^system:capture_")
	if err != nil {
		return err
	}
	for i, name := range s.PortNames() {
		if i >= len(system) {
			break
		}
		if err := s.server.Connect(system[i], name); err != nil {
			s.logger.Warn("port connection failed", "src", system[i], "dst", name, "err", err)
		}
	}
	return nil
}

func xrunNotifier(onErr audiohost.ErrorCallback) func() {
	if onErr == nil {
		return nil
	}
	return func() { onErr(audiohost.ErrXrun) }
}
