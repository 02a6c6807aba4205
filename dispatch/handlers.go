package dispatch

import (
	"fmt"
	"os"

	metrics "github.com/armon/go-metrics"

	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/worker"
)

// dispatch routes one decoded frame to its handler. It returns the worker
// id that should be bound as this dispatcher's peer when called from
// firstMsg; for MSG_LOOP calls the return value is ignored.
func (d *Dispatcher) dispatch(hdr proto.WireHeader, body interface{}) (int64, error) {
	metrics.IncrCounter([]string{"dispatch", hdr.Kind.String()}, 1)
	d.applyClientRefs(hdr)

	switch b := body.(type) {
	case *proto.CallBody:
		return d.handleCallLike(hdr, b)
	case *proto.ResultBody:
		return 0, d.handleResult(hdr, b)
	case *proto.IdentifySocketBody:
		return d.handleIdentifySocket(hdr, b)
	case *proto.IdentifySocketAckBody:
		return d.handleIdentifySocketAck(hdr, b)
	case *proto.JoinPGRPBody:
		return d.handleJoinPGRP(hdr, b)
	case *proto.JoinCompleteBody:
		return d.handleJoinComplete(hdr, b)
	default:
		return 0, fmt.Errorf("dispatch: unhandled body type %T", body)
	}
}

func (d *Dispatcher) handleCallLike(hdr proto.WireHeader, body *proto.CallBody) (int64, error) {
	switch hdr.Kind {
	case proto.KindCall:
		go d.runCall(hdr, body.Thunk)
	case proto.KindCallFetch:
		go d.runCallFetch(hdr, body.Thunk)
	case proto.KindCallWait:
		go d.runCallWait(hdr, body.Thunk)
	case proto.KindRemoteDo:
		go d.runRemoteDo(body.Thunk)
	default:
		return 0, fmt.Errorf("dispatch: unexpected kind %v for CallBody", hdr.Kind)
	}
	return 0, nil
}

// runCall implements the "call" verb: non-blocking submit, result
// eventually forwarded to whoever owns response_oid (spec.md §4.3, §4.4).
func (d *Dispatcher) runCall(hdr proto.WireHeader, thunk proto.Thunk) {
	refs := d.noteForwardedRefs(thunk)
	value, exc := d.Engine.Run(thunk)
	d.releaseForwardedRefs(refs)
	if err := d.sendResult(hdr.ResponseOID, value, exc); err != nil {
		d.Logger.Printf("[ERR] dispatch: sending call result: %v", err)
		d.handleSendFailure(err)
	}
}

// runCallFetch implements "call_fetch": one-shot, the raw value or
// exception is delivered straight to notify_oid, bypassing the registry
// entirely.
func (d *Dispatcher) runCallFetch(hdr proto.WireHeader, thunk proto.Thunk) {
	refs := d.noteForwardedRefs(thunk)
	value, exc := d.Engine.Run(thunk)
	d.releaseForwardedRefs(refs)
	if err := d.sendResult(hdr.NotifyOID, value, exc); err != nil {
		d.Logger.Printf("[ERR] dispatch: sending call_fetch result: %v", err)
		d.handleSendFailure(err)
	}
}

// runCallWait implements "call_wait": the thunk's outcome is bound to a
// throwaway local RemoteValue (so the two tasks described in spec.md
// §4.3 can hand off without a network round trip), then notify_oid
// receives :OK — or the raw exception, since any RemoteException always
// takes priority over a verb's normal reply sentinel (spec.md §4.3
// deliver_result rules).
func (d *Dispatcher) runCallWait(hdr proto.WireHeader, thunk proto.Thunk) {
	local := d.Minter.Mint(0)
	if _, err := d.Registry.Register(local, 0, false); err != nil {
		d.Logger.Printf("[ERR] dispatch: call_wait local register: %v", err)
		return
	}

	go func() {
		refs := d.noteForwardedRefs(thunk)
		value, exc := d.Engine.Run(thunk)
		d.releaseForwardedRefs(refs)
		if exc != nil {
			_ = d.Registry.Put(local, exc)
		} else {
			_ = d.Registry.Put(local, value)
		}
	}()

	v, err := d.Registry.Take(local)
	if err != nil {
		d.Logger.Printf("[ERR] dispatch: call_wait local take: %v", err)
		return
	}
	if exc, ok := v.(*proto.RemoteException); ok {
		if err := d.sendResult(hdr.NotifyOID, nil, exc); err != nil {
			d.handleSendFailure(err)
		}
		return
	}
	if err := d.sendResult(hdr.NotifyOID, proto.OK{}, nil); err != nil {
		d.handleSendFailure(err)
	}
}

// runRemoteDo implements "RemoteDo": fire-and-forget; any failure is
// logged to stderr, never replied.
func (d *Dispatcher) runRemoteDo(thunk proto.Thunk) {
	refs := d.noteForwardedRefs(thunk)
	_, exc := d.Engine.Run(thunk)
	d.releaseForwardedRefs(refs)
	if exc != nil {
		fmt.Fprintf(os.Stderr, "remote_do %s failed on pid %d: %s\n", thunk.Func, exc.PID, exc.Captured.Err)
	}
}

// noteForwardedRefs scans thunk's arguments for RRIDs owned by some other
// worker (a Future forwarded into this call rather than minted by it) and
// queues a pending add_client notification on each owner's Worker record,
// registering this process as a client for spec.md §3's distributed
// refcounting. The notification is flushed opportunistically, the next
// time sendFrame already has a reason to write to that owner.
func (d *Dispatcher) noteForwardedRefs(thunk proto.Thunk) []rrid.RRID {
	var refs []rrid.RRID
	self := d.selfID()
	for _, arg := range thunk.Args {
		ref, ok := arg.(rrid.RRID)
		if !ok || ref.IsNull() || ref.Whence == self {
			continue
		}
		refs = append(refs, ref)
		if owner, ok := d.Table.Lookup(ref.Whence); ok {
			owner.PushAdd(worker.AddMsg{Whence: ref.Whence, IDs: []int64{ref.ID}})
		}
	}
	return refs
}

// releaseForwardedRefs queues the matching del_client notifications for
// refs once the call that received them has finished running. This
// process's registered functions never retain a forwarded Future beyond
// the single invocation it arrived in, so the call's own lifetime is a
// sound proxy for "this process is done holding the reference."
func (d *Dispatcher) releaseForwardedRefs(refs []rrid.RRID) {
	for _, ref := range refs {
		if owner, ok := d.Table.Lookup(ref.Whence); ok {
			owner.PushDel(worker.DelMsg{Whence: ref.Whence, IDs: []int64{ref.ID}})
		}
	}
}

// applyClientRefs applies the batched add_client/del_client notifications
// hdr piggybacked, crediting or releasing the client registration against
// the peer that sent this frame.
func (d *Dispatcher) applyClientRefs(hdr proto.WireHeader) {
	client := d.PeerID
	if client <= 0 {
		return
	}
	for _, add := range hdr.AddRefs {
		for _, id := range add.IDs {
			_ = d.Registry.AddClient(rrid.RRID{Whence: add.Whence, ID: id}, client)
		}
	}
	for _, del := range hdr.DelRefs {
		for _, id := range del.IDs {
			_ = d.Registry.RemoveClient(rrid.RRID{Whence: del.Whence, ID: id}, client)
		}
	}
}

// handleResult is the registry-consuming half of the protocol: "Result:
// put(response_oid, value)" (spec.md §4.3).
func (d *Dispatcher) handleResult(hdr proto.WireHeader, body *proto.ResultBody) error {
	if hdr.ResponseOID.IsNull() {
		return nil
	}
	if body.Exception != nil {
		return d.Registry.Put(hdr.ResponseOID, body.Exception)
	}
	return d.Registry.Put(hdr.ResponseOID, body.Value)
}

func (d *Dispatcher) handleIdentifySocket(hdr proto.WireHeader, body *proto.IdentifySocketBody) (int64, error) {
	w := worker.New(body.SelfPID)
	if d.Stream != nil {
		w.RStream = d.Stream
		w.WStream = d.Stream
	}
	w.ForceState(worker.Connected)
	if err := d.Table.Register(w); err != nil {
		if existing, ok := d.Table.Lookup(body.SelfPID); ok {
			w = existing
			if d.Stream != nil {
				w.RStream = d.Stream
				w.WStream = d.Stream
			}
			w.ForceState(worker.Connected)
		} else {
			return 0, err
		}
	}
	d.PeerID = body.SelfPID
	if err := d.sendAck(); err != nil {
		return 0, err
	}
	w.MarkInitialized()
	return body.SelfPID, nil
}

func (d *Dispatcher) handleIdentifySocketAck(hdr proto.WireHeader, body *proto.IdentifySocketAckBody) (int64, error) {
	if w, ok := d.Table.Lookup(d.PeerID); ok {
		w.Version = body.Version
		w.ForceState(worker.Connected)
		w.MarkInitialized()
	}
	if d.PeerID <= 0 {
		return 0, fmt.Errorf("dispatch: IdentifySocketAck received with no known peer id")
	}
	return d.PeerID, nil
}

func (d *Dispatcher) handleJoinPGRP(hdr proto.WireHeader, body *proto.JoinPGRPBody) (int64, error) {
	if d.Hooks.OnJoinPGRP == nil {
		return 0, fmt.Errorf("dispatch: no JoinPGRP handler installed")
	}
	selfID, err := d.Hooks.OnJoinPGRP(hdr, body, d)
	if err != nil {
		return 0, err
	}
	_ = selfID
	return worker.Controller, nil
}

func (d *Dispatcher) handleJoinComplete(hdr proto.WireHeader, body *proto.JoinCompleteBody) (int64, error) {
	if d.Hooks.OnJoinComplete != nil {
		d.Hooks.OnJoinComplete(d.PeerID, hdr, body)
	}
	return d.PeerID, nil
}

// sendResult writes a Result frame addressed at target, choosing between
// the raw value/exception and the :OK sentinel per the deliver_result
// rules in spec.md §4.3.
func (d *Dispatcher) sendResult(target rrid.RRID, value interface{}, exc *proto.RemoteException) error {
	if target.IsNull() {
		return nil
	}
	body := &proto.ResultBody{Exception: exc, Value: value}
	return d.sendFrame(proto.WireHeader{Kind: proto.KindResult, ResponseOID: target}, body)
}

func (d *Dispatcher) sendAck() error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindIdentifySocketAck}, &proto.IdentifySocketAckBody{Version: Version})
}

// sendFrame serializes and writes one frame, holding the worker's write
// mutex for the duration of the frame the way the teacher's send()
// holds writeLock in client/rpc_client.go.
func (d *Dispatcher) sendFrame(hdr proto.WireHeader, body interface{}) error {
	w, ok := d.Table.Lookup(d.PeerID)
	if ok {
		w.WriteMu.Lock()
		defer w.WriteMu.Unlock()
		hdr.AddRefs = w.DrainAdd()
		hdr.DelRefs = w.DrainDel()
	}
	if err := d.Codec.WriteHeader(hdr); err != nil {
		return err
	}
	if err := d.Codec.WriteBody(body); err != nil {
		return err
	}
	return d.Codec.WriteBoundary()
}

// handleSendFailure escalates a result-send failure by calling
// Hooks.OnPeerFailed for the bound peer (under Supervisor: deregister and
// close the peer locally, and exit if a worker lost the controller). No
// request is sent to the controller to remove the peer.
func (d *Dispatcher) handleSendFailure(err error) {
	if d.Hooks.OnPeerFailed != nil {
		d.Hooks.OnPeerFailed(d.PeerID, err, false)
	}
}
