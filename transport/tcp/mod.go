// Package tcp implements the default transport: one thread-per-connection
// TCP listener, each accepted connection handed to daemon.Daemon.Serve in
// its own goroutine (spec.md §2 "transport", the parallel-dispatch model
// Pyro5's own thread-pool server implements).
//
// Documentation Last Review: 2026-07-31
package tcp

import (
	"net"
	"sync"

	"golang.org/x/net/netutil"
	"golang.org/x/xerrors"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/daemon"
	"github.com/c4dt-edu/pyrod/wire"
)

// connection adapts a net.Conn to daemon.Connection.
type connection struct {
	net.Conn
	maxPayload uint32
}

func (c *connection) Recv() (wire.Message, error) {
	return wire.ReadMessage(c.Conn, c.maxPayload)
}

func (c *connection) Send(msg wire.Message) error {
	return wire.WriteMessage(c.Conn, msg)
}

func (c *connection) Peer() string {
	return c.Conn.RemoteAddr().String()
}

// Server owns a bound TCP listener and dispatches every accepted
// connection to a Daemon.
type Server struct {
	listener   net.Listener
	daemon     *daemon.Daemon
	maxPayload uint32
	wg         sync.WaitGroup
}

// Listen binds network/addr (e.g. "tcp", "0.0.0.0:4444"), bounding
// concurrently accepted connections to maxConns (0 disables the bound)
// via golang.org/x/net/netutil.LimitListener, and registers a Shutdown
// stop hook with d that closes the listener (spec.md §5 "Cancellation").
func Listen(d *daemon.Daemon, network, addr string, maxConns int, maxPayload uint32) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", addr, err)
	}

	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	s := &Server{listener: ln, daemon: d, maxPayload: maxPayload}
	d.SetStopHook(func() { _ = ln.Close() })

	return s, nil
}

// Addr returns the listener's bound address, useful when addr was
// "host:0" and the OS picked an ephemeral port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed (typically by
// Daemon.Shutdown's stop hook), spawning one goroutine per connection. It
// returns once every spawned goroutine has returned.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.daemon.IsShuttingDown() {
				break
			}
			pyrod.Logger.Warn().Err(err).Msg("accept failed")
			break
		}

		c := &connection{Conn: conn, maxPayload: s.maxPayload}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.daemon.Serve(c)
		}()
	}

	s.wg.Wait()
	return nil
}
