// Package poll implements an alternative transport that serializes every
// dispatch onto a single goroutine, the Go analogue of Pyro5's
// select/poll-based single-threaded server mode (spec.md §2 "transport":
// an alternative to the thread-per-connection model in package tcp, for
// deployments that want a bounded number of OS threads regardless of
// connection count).
//
// True epoll-style readiness multiplexing is not idiomatic Go — net.Conn
// reads already block a goroutine, and the runtime multiplexes goroutines
// onto OS threads on its own. This package keeps one blocking-read
// goroutine per connection (unavoidable without reflect.Select over an
// unbounded, changing connection set) but funnels every successfully read
// message through a single channel so that Dispatch, which is where the
// actual work happens, always runs on one dedicated goroutine rather than
// however many connections happen to be open (documented as a pragmatic
// adaptation in DESIGN.md).
//
// Documentation Last Review: 2026-07-31
package poll

import (
	"context"
	"net"
	"sync"

	"golang.org/x/xerrors"

	"github.com/c4dt-edu/pyrod"
	"github.com/c4dt-edu/pyrod/daemon"
	"github.com/c4dt-edu/pyrod/wire"
)

type connection struct {
	net.Conn
	maxPayload uint32
}

func (c *connection) Recv() (wire.Message, error) { return wire.ReadMessage(c.Conn, c.maxPayload) }
func (c *connection) Send(msg wire.Message) error  { return wire.WriteMessage(c.Conn, msg) }
func (c *connection) Peer() string                 { return c.Conn.RemoteAddr().String() }

// readyMsg is one message handed from a connection's reader goroutine to
// the single dispatch loop. done is closed once the dispatch loop has
// sent the reply (or decided none is needed), so the reader goroutine
// knows it is safe to issue its next blocking Recv.
type readyMsg struct {
	connCtx *daemon.ConnectionContext
	conn    *connection
	msg     wire.Message
	done    chan struct{}
}

// Server runs the single-dispatch-loop transport.
type Server struct {
	listener   net.Listener
	daemon     *daemon.Daemon
	maxPayload uint32
	ready      chan readyMsg
	wg         sync.WaitGroup
}

// Listen binds network/addr and prepares the single dispatch loop; call
// Serve to start accepting.
func Listen(d *daemon.Daemon, network, addr string, maxPayload uint32) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", addr, err)
	}

	s := &Server{listener: ln, daemon: d, maxPayload: maxPayload, ready: make(chan readyMsg)}
	d.SetStopHook(func() { _ = ln.Close() })

	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections, handshakes each inline on its own accept-time
// goroutine (handshake is a one-shot blocking exchange, not worth routing
// through the dispatch loop), then spawns a per-connection reader
// goroutine that feeds s.ready. One dedicated goroutine drains s.ready and
// calls Daemon.Dispatch, so every INVOKE across every connection is
// processed by that same goroutine, in the order it was read.
func (s *Server) Serve() error {
	s.wg.Add(1)
	go s.dispatchLoop()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.daemon.IsShuttingDown() {
				break
			}
			pyrod.Logger.Warn().Err(err).Msg("accept failed")
			break
		}

		conn := &connection{Conn: raw, maxPayload: s.maxPayload}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}

	close(s.ready)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConnection(conn *connection) {
	defer s.wg.Done()
	defer conn.Close()

	connCtx, err := s.daemon.Handshake(conn)
	if err != nil {
		pyrod.Logger.Debug().Err(err).Str("peer", conn.Peer()).Msg("handshake failed")
		return
	}

	for {
		if s.daemon.IsShuttingDown() {
			break
		}

		msg, err := conn.Recv()
		if err != nil {
			if _, ok := err.(*pyrod.ConnectionClosedError); ok {
				pyrod.Logger.Debug().Str("peer", conn.Peer()).Msg("peer disconnected")
			} else {
				pyrod.Logger.Warn().Err(err).Str("peer", conn.Peer()).Msg("read failed, closing connection")
			}
			break
		}

		done := make(chan struct{})
		s.ready <- readyMsg{connCtx: connCtx, conn: conn, msg: msg, done: done}
		<-done
	}

	s.daemon.Disconnect(connCtx)
}

// dispatchLoop is the single goroutine every connection's messages are
// funneled through.
func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for item := range s.ready {
		reply, err := s.daemon.Dispatch(context.Background(), item.connCtx, item.msg)
		if err != nil {
			// A callback-tagged method's exception is both sent to the
			// client and re-raised out of Dispatch (spec.md §4.8
			// "callback-tag re-raise"), so send its reply even though the
			// call also failed.
			if reply != nil {
				if sendErr := item.conn.Send(*reply); sendErr != nil {
					pyrod.Logger.Warn().Err(sendErr).Str("peer", item.conn.Peer()).Msg("write failed")
				}
			}
			pyrod.Logger.Warn().Err(err).Str("peer", item.conn.Peer()).Msg("dispatch failed")
			close(item.done)
			continue
		}

		if reply != nil {
			if err := item.conn.Send(*reply); err != nil {
				pyrod.Logger.Warn().Err(err).Str("peer", item.conn.Peer()).Msg("write failed")
			}
		}

		close(item.done)
	}
}
