// Package dispatch implements the per-peer Message Dispatcher (spec.md
// §4.3): the read loop that parses headers and bodies off one duplex
// stream and routes them to handlers, with framing recovery after a
// body-decode fault.
//
// This package is the direct generalization of the teacher's
// RPCClient.listen/respondSeq/handleSeq/genericRPC
// (client/rpc_client.go): where the teacher multiplexes replies by a
// single uint64 sequence number for one outbound client connection, a
// Dispatcher multiplexes by the two-RRID MsgHeader described in spec.md
// §3 and serves inbound calls as well as correlating outbound ones.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	metrics "github.com/armon/go-metrics"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// Version is the advisory protocol version string this build negotiates.
// Spec.md §4.1/§9: version skew is recorded, never rejected.
const Version = "coreproc-1"

// Hooks lets the topology/supervisor layers plug their logic into the
// generic per-peer loop without the dispatch package importing them
// (avoiding an import cycle, since topology/supervisor both sit above
// dispatch).
type Hooks struct {
	// OnJoinPGRP runs when this dispatcher's very first inbound frame is
	// a JoinPGRP (a worker accepting its first connection from the
	// controller, spec.md §4.6). It must return the worker id this
	// process should adopt as its own.
	OnJoinPGRP func(hdr proto.WireHeader, body *proto.JoinPGRPBody, d *Dispatcher) (selfID int64, err error)

	// OnJoinComplete runs when a JoinComplete frame arrives (controller
	// side, after dialing a freshly launched worker).
	OnJoinComplete func(fromPeer int64, hdr proto.WireHeader, body *proto.JoinCompleteBody)

	// OnPeerFailed runs once the FAILED state has determined the bound
	// peer id (0 if the connection never got that far) and whether the
	// peer was already Terminating when the fault occurred.
	OnPeerFailed func(peerID int64, err error, graceful bool)
}

// Dispatcher drives one peer connection through the HDRWAIT/FIRST_MSG/
// MSG_LOOP/FAILED state machine.
type Dispatcher struct {
	Codec    *transport.FrameCodec
	Table    *worker.Table
	Registry *registry.Registry
	Engine   *call.Engine
	Minter   *rrid.Minter
	Logger   *log.Logger
	Hooks    Hooks

	// Incoming is true for accepted connections (handshake is read, not
	// written, and the connection has no a-priori known peer id).
	Incoming bool
	// ExpectedCookie is the cluster's shared-secret cookie. An Incoming
	// dispatcher checks it against the connecting peer's handshake; an
	// outbound one writes it as its own handshake before the first frame.
	ExpectedCookie [transport.HDRCookieLen]byte

	// Stream is the duplex connection Codec wraps. For Incoming
	// dispatchers the peer id isn't known until IdentifySocket arrives, so
	// the Worker record can't be pre-populated with its streams the way
	// an outbound Connect can; handleIdentifySocket attaches Stream to the
	// new (or already-registered) Worker once the id is known.
	Stream io.ReadWriteCloser

	// PeerID is bound once FIRST_MSG determines the peer's worker id. For
	// an outbound connection the caller pre-populates this (and registers
	// the Worker, with its streams, before calling Run); for an inbound
	// one it is bound by handleIdentifySocket.
	PeerID int64

	peerVersion string
}

var errUnboundPeer = errors.New("dispatch: peer id not yet bound")

// Run drives the dispatcher until the connection fails or is closed,
// returning the terminal error (nil on a graceful close).
func (d *Dispatcher) Run() error {
	if d.Logger == nil {
		d.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	if d.Incoming {
		version, err := d.Codec.ReadHandshake(d.ExpectedCookie)
		if err != nil {
			d.Logger.Printf("[ERR] dispatch: handshake failed: %v", err)
			return err
		}
		d.peerVersion = version
	} else {
		if err := d.Codec.WriteHandshake(d.ExpectedCookie, Version); err != nil {
			d.Logger.Printf("[ERR] dispatch: writing handshake: %v", err)
			return err
		}
	}

	if err := d.firstMsg(); err != nil {
		d.fail(err)
		return err
	}

	for {
		if err := d.loopOnce(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				d.fail(err)
				return err
			}
			d.fail(err)
			return err
		}
	}
}

// firstMsg reads exactly one frame, dispatches it, binds d.PeerID from the
// result, and reads the trailing boundary.
func (d *Dispatcher) firstMsg() error {
	hdr, body, err := d.readFrame()
	if err != nil {
		return err
	}
	peerID, err := d.dispatch(hdr, body)
	if err != nil {
		return err
	}
	if peerID <= 0 {
		return fmt.Errorf("dispatch: FIRST_MSG did not bind a positive peer id (got %d)", peerID)
	}
	d.PeerID = peerID
	return d.Codec.ReadBoundary()
}

// loopOnce runs one MSG_LOOP iteration: read header, attempt to read and
// dispatch the body, read boundary. A body-decode failure is recovered by
// resyncing to the next boundary rather than killing the connection.
func (d *Dispatcher) loopOnce() error {
	hdr, err := d.Codec.ReadHeader()
	if err != nil {
		return err
	}

	body, decodeErr := d.Codec.ReadBody(hdr.Kind)
	if decodeErr != nil {
		metrics.IncrCounter([]string{"dispatch", "boundary_resync"}, 1)
		exc := call.DecodeFailure(d.selfID(), decodeErr)
		d.deliverDecodeFailure(hdr, exc)
		if err := d.Codec.ResyncToBoundary(); err != nil {
			return err
		}
		return nil
	}

	if _, err := d.dispatch(hdr, body); err != nil {
		return err
	}
	return d.Codec.ReadBoundary()
}

func (d *Dispatcher) readFrame() (proto.WireHeader, interface{}, error) {
	hdr, err := d.Codec.ReadHeader()
	if err != nil {
		return proto.WireHeader{}, nil, err
	}
	body, err := d.Codec.ReadBody(hdr.Kind)
	if err != nil {
		return proto.WireHeader{}, nil, err
	}
	return hdr, body, nil
}

// deliverDecodeFailure delivers a synthetic RemoteException to
// response_oid (if non-null) and notify_oid (if non-null), per spec.md
// §4.3's recovery rule.
func (d *Dispatcher) deliverDecodeFailure(hdr proto.WireHeader, exc *proto.RemoteException) {
	if !hdr.ResponseOID.IsNull() {
		_ = d.Registry.Put(hdr.ResponseOID, exc)
	}
	if !hdr.NotifyOID.IsNull() {
		_ = d.sendResult(hdr.NotifyOID, nil, exc)
	}
}

func (d *Dispatcher) selfID() int64 {
	if d.Table != nil {
		return d.Table.SelfID()
	}
	return 0
}

// fail runs the FAILED state: determine the peer id, mark it Terminated
// (unless already Terminating), and escalate via Hooks.OnPeerFailed.
func (d *Dispatcher) fail(cause error) {
	graceful := false
	if d.PeerID > 0 {
		if w, ok := d.Table.Lookup(d.PeerID); ok {
			graceful = w.State() == worker.Terminating
			if !graceful {
				w.SetState(w.State(), worker.Terminated)
			}
			w.Close()
		}
	}
	if d.Hooks.OnPeerFailed != nil {
		d.Hooks.OnPeerFailed(d.PeerID, cause, graceful)
	}
}
