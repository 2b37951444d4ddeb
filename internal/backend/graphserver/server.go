// Package graphserver implements an in-process port graph modeled on a JACK
// server: clients register named float32 ports, connect them to the server's
// system capture and playback ports, and get their process callback invoked
// once per cycle with a frame count the server chooses.
//
// It backs the default audiowire host and doubles as the deterministic test
// backend, since cycles can be driven by hand instead of by the ticker.
package graphserver

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction says which way samples flow through a port, seen from its owner.
type Direction int

const (
	// In ports receive samples from connected sources.
	In Direction = iota
	// Out ports produce samples for connected sinks.
	Out
)

// Port is one named endpoint in the graph. System ports are owned by the
// server; every other port belongs to a client.
type Port struct {
	name  string
	dir   Direction
	owner *Client // nil for system ports
	buf   []float32
}

// Name returns the fully qualified port name, e.g. "system:playback_1".
func (p *Port) Name() string { return p.name }

// Buffer returns the port's sample buffer for the current cycle. Only valid
// inside a process callback.
func (p *Port) Buffer(nframes int) []float32 { return p.buf[:nframes] }

type connection struct {
	src *Port
	dst *Port
}

// Server owns the port graph and runs the cycle. One cycle zeroes the
// playback buffers, refreshes the capture buffers, routes connected ports,
// and runs every active client's process callback, all under the server
// mutex. Holding the mutex for the whole cycle is what makes client
// deactivation synchronous: once Deactivate returns, no callback is running
// and none will run again.
type Server struct {
	name         string
	sampleRate   int
	periodFrames int
	logger       *slog.Logger

	mu      sync.Mutex
	ports   []*Port // registration order, system ports first
	conns   []connection
	clients []*Client

	captureSource func(channel int, buf []float32)
	playbackTap   func(channel int, buf []float32)

	capture  []*Port
	playback []*Port

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewServer builds a server with the given number of system capture and
// playback channels. periodFrames is the cycle size the ticker uses and the
// upper bound for hand-driven cycles.
func NewServer(name string, sampleRate, periodFrames, captureChannels, playbackChannels int) *Server {
	s := &Server{
		name:         name,
		sampleRate:   sampleRate,
		periodFrames: periodFrames,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.logger = slog.Default().With("server", name, "id", uuid.New().String()[:8])

	for i := 0; i < captureChannels; i++ {
		p := &Port{name: fmt.Sprintf("system:capture_%d", i+1), dir: Out, buf: make([]float32, periodFrames)}
		s.capture = append(s.capture, p)
		s.ports = append(s.ports, p)
	}
	for i := 0; i < playbackChannels; i++ {
		p := &Port{name: fmt.Sprintf("system:playback_%d", i+1), dir: In, buf: make([]float32, periodFrames)}
		s.playback = append(s.playback, p)
		s.ports = append(s.ports, p)
	}
	return s
}

// SampleRate returns the fixed rate the whole graph runs at.
func (s *Server) SampleRate() int { return s.sampleRate }

// PeriodFrames returns the nominal cycle size.
func (s *Server) PeriodFrames() int { return s.periodFrames }

// SetCaptureSource installs the function that fills one system capture
// channel per cycle. Without a source the capture ports carry silence.
func (s *Server) SetCaptureSource(fn func(channel int, buf []float32)) {
	s.mu.Lock()
	s.captureSource = fn
	s.mu.Unlock()
}

// SetPlaybackTap installs an observer that sees each system playback channel
// after routing, once per cycle.
func (s *Server) SetPlaybackTap(fn func(channel int, buf []float32)) {
	s.mu.Lock()
	s.playbackTap = fn
	s.mu.Unlock()
}

// NewClient registers a client with the server. Port registration happens on
// the client before Activate.
func (s *Server) NewClient(name string) *Client {
	c := &Client{
		server: s,
		name:   name,
		logger: s.logger.With("client", name),
	}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c
}

// Ports returns the names of all ports whose name matches pattern, in
// registration order. An empty pattern matches everything.
func (s *Server) Ports(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling port pattern: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, p := range s.ports {
		if re.MatchString(p.name) {
			names = append(names, p.name)
		}
	}
	return names, nil
}

func (s *Server) findPort(name string) *Port {
	for _, p := range s.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Connect routes src into dst. src must be an Out port and dst an In port,
// and exactly one endpoint must be a system port. Multiple sources into one
// playback port are mixed by summation; one capture port may feed any number
// of client inputs.
func (s *Server) Connect(srcName, dstName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.findPort(srcName)
	if src == nil {
		return fmt.Errorf("connect: no such port %q", srcName)
	}
	dst := s.findPort(dstName)
	if dst == nil {
		return fmt.Errorf("connect: no such port %q", dstName)
	}
	if src.dir != Out || dst.dir != In {
		return fmt.Errorf("connect: %q -> %q runs against port directions", srcName, dstName)
	}
	if (src.owner == nil) == (dst.owner == nil) {
		return fmt.Errorf("connect: %q -> %q must join a client port to a system port", srcName, dstName)
	}
	for _, c := range s.conns {
		if c.src == src && c.dst == dst {
			return nil
		}
	}
	s.conns = append(s.conns, connection{src: src, dst: dst})
	return nil
}

// Disconnect removes the src -> dst route if present.
func (s *Server) Disconnect(srcName, dstName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c.src.name == srcName && c.dst.name == dstName {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Cycle runs one graph cycle of nframes frames, nframes <= PeriodFrames.
// Tests drive this directly; Start drives it from a ticker.
func (s *Server) Cycle(nframes int) error {
	if nframes < 1 || nframes > s.periodFrames {
		return fmt.Errorf("cycle: %d frames outside 1..%d", nframes, s.periodFrames)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleLocked(nframes)
	return nil
}

func (s *Server) cycleLocked(nframes int) {
	for _, p := range s.playback {
		clear(p.buf[:nframes])
	}
	for i, p := range s.capture {
		if s.captureSource != nil {
			s.captureSource(i, p.buf[:nframes])
		} else {
			clear(p.buf[:nframes])
		}
	}

	for _, c := range s.clients {
		if !c.active {
			continue
		}
		for _, p := range c.ports {
			if p.dir != In {
				continue
			}
			clear(p.buf[:nframes])
			for _, conn := range s.conns {
				if conn.dst != p {
					continue
				}
				dst := p.buf[:nframes]
				src := conn.src.buf[:nframes]
				for i := range dst {
					dst[i] += src[i]
				}
			}
		}
		c.process(nframes)
		for _, p := range c.ports {
			if p.dir != Out {
				continue
			}
			for _, conn := range s.conns {
				if conn.src != p {
					continue
				}
				dst := conn.dst.buf[:nframes]
				src := p.buf[:nframes]
				for i := range dst {
					dst[i] += src[i]
				}
			}
		}
	}

	if s.playbackTap != nil {
		for i, p := range s.playback {
			s.playbackTap(i, p.buf[:nframes])
		}
	}
}

// Start drives cycles from a wall-clock ticker at the graph's period until
// Close. A cycle that overruns its period raises an xrun on every active
// client.
func (s *Server) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	period := time.Duration(s.periodFrames) * time.Second / time.Duration(s.sampleRate)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		s.logger.Info("graph running", "sample_rate", s.sampleRate, "period_frames", s.periodFrames, "period", period)
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				began := time.Now()
				s.mu.Lock()
				s.cycleLocked(s.periodFrames)
				s.mu.Unlock()
				if time.Since(began) > period {
					s.notifyXrun()
				}
			}
		}
	}()
}

// notifyXrun snapshots the active clients' xrun handlers under the mutex and
// invokes them after releasing it. The handlers run user code that may call
// back into the server, Stream.Destroy included, so they must never run
// under the lock.
func (s *Server) notifyXrun() {
	s.mu.Lock()
	var handlers []func()
	for _, c := range s.clients {
		if c.active && c.onXrun != nil {
			handlers = append(handlers, c.onXrun)
		}
	}
	s.mu.Unlock()

	s.logger.Warn("cycle overran its period")
	for _, fn := range handlers {
		fn()
	}
}

// Close stops the ticker and waits for the cycle goroutine to exit. Clients
// remain registered; callers close them separately.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
	})
}

func (s *Server) addPort(p *Port) {
	s.ports = append(s.ports, p)
}

func (s *Server) removeClientLocked(c *Client) {
	kept := s.conns[:0]
	for _, conn := range s.conns {
		if conn.src.owner != c && conn.dst.owner != c {
			kept = append(kept, conn)
		}
	}
	s.conns = kept

	keptPorts := s.ports[:0]
	for _, p := range s.ports {
		if p.owner != c {
			keptPorts = append(keptPorts, p)
		}
	}
	s.ports = keptPorts

	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
}
