package graphserver

import (
	"fmt"
	"log/slog"
	"sync"
)

// Client is one participant in the graph. The lifecycle is strict: register
// ports, Activate with a process callback, then Deactivate or Close. Port
// registration after activation is rejected so the port set a cycle sees
// never changes underneath it.
type Client struct {
	server *Server
	name   string
	logger *slog.Logger

	ports  []*Port // declaration order
	active bool

	process func(nframes int)
	onXrun  func()

	closeOnce sync.Once
}

// Name returns the client name given at registration.
func (c *Client) Name() string { return c.name }

// RegisterPort adds a port named "<client>:<name>" to the graph. Fails once
// the client is active.
func (c *Client) RegisterPort(name string, dir Direction) (*Port, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.active {
		return nil, fmt.Errorf("register port %q: client %q already active", name, c.name)
	}
	p := &Port{
		name:  fmt.Sprintf("%s:%s", c.name, name),
		dir:   dir,
		owner: c,
		buf:   make([]float32, c.server.periodFrames),
	}
	c.ports = append(c.ports, p)
	c.server.addPort(p)
	return p, nil
}

// Ports returns the client's ports in declaration order.
func (c *Client) Ports() []*Port {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	out := make([]*Port, len(c.ports))
	copy(out, c.ports)
	return out
}

// Activate installs the process callback and starts including the client in
// cycles. onXrun may be nil.
func (c *Client) Activate(process func(nframes int), onXrun func()) error {
	if process == nil {
		return fmt.Errorf("activate client %q: nil process callback", c.name)
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.active {
		return fmt.Errorf("activate client %q: already active", c.name)
	}
	c.process = process
	c.onXrun = onXrun
	c.active = true
	c.logger.Debug("client activated", "ports", len(c.ports))
	return nil
}

// Deactivate removes the client from the cycle. It takes the server mutex,
// which every cycle holds end to end, so on return no process callback is
// running and none will run again.
func (c *Client) Deactivate() {
	c.server.mu.Lock()
	c.active = false
	c.process = nil
	c.onXrun = nil
	c.server.mu.Unlock()
	c.logger.Debug("client deactivated")
}

// Close deactivates the client and removes its ports and connections from
// the graph. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.server.mu.Lock()
		c.active = false
		c.process = nil
		c.onXrun = nil
		c.server.removeClientLocked(c)
		c.server.mu.Unlock()
		c.logger.Debug("client closed")
	})
}
