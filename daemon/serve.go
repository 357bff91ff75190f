package daemon

import (
	"context"

	"github.com/c4dt-edu/pyrod"
)

// Serve runs one connection's full lifecycle: handshake, then an invoke
// loop until the peer disconnects or a protocol error ends the
// connection (spec.md §4.7 "Connection state machine"). Once the
// handshake has succeeded it always runs the Disconnect teardown before
// returning, even on error; a failed handshake returns without it.
func (d *Daemon) Serve(conn Connection) {
	connCtx, err := d.Handshake(conn)
	if err != nil {
		pyrod.Logger.Debug().Err(err).Str("peer", conn.Peer()).Msg("handshake failed")
		return
	}

	pyrod.Logger.Debug().Str("peer", conn.Peer()).Msg("connection established")

	for {
		if d.IsShuttingDown() {
			break
		}

		req, err := conn.Recv()
		if err != nil {
			if _, ok := err.(*pyrod.ConnectionClosedError); ok {
				pyrod.Logger.Debug().Str("peer", conn.Peer()).Msg("peer disconnected")
			} else {
				pyrod.Logger.Warn().Err(err).Str("peer", conn.Peer()).Msg("read failed, closing connection")
			}
			break
		}

		reply, err := d.Dispatch(context.Background(), connCtx, req)
		if err != nil {
			// A callback-tagged method's exception is both sent to the
			// client and re-raised out of Dispatch (spec.md §4.8
			// "callback-tag re-raise"), so send its reply before tearing
			// the connection down.
			if reply != nil {
				if sendErr := conn.Send(*reply); sendErr != nil {
					pyrod.Logger.Warn().Err(sendErr).Str("peer", conn.Peer()).Msg("write failed, closing connection")
				}
			}
			pyrod.Logger.Warn().Err(err).Str("peer", conn.Peer()).Msg("dispatch failed, closing connection")
			break
		}
		if reply == nil {
			// Oneway call: no reply is ever sent.
			continue
		}

		if err := conn.Send(*reply); err != nil {
			pyrod.Logger.Warn().Err(err).Str("peer", conn.Peer()).Msg("write failed, closing connection")
			break
		}
	}

	d.Disconnect(connCtx)
}

// Disconnect runs the teardown steps for one connection: the user
// ClientDisconnect hook, then releasing any of its lingering streams
// into the Stream Registry's linger/drop handling (spec.md §4.7
// "Disconnect").
func (d *Daemon) Disconnect(connCtx *ConnectionContext) {
	d.ClientDisconnect(connCtx)
	d.Streams.Disconnect(connCtx)
}
