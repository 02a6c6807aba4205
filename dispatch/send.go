package dispatch

import (
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/rrid"
)

// SendIdentifySocket writes the identity-exchange opener for an outbound
// connection: "here is my worker id" (spec.md §4.1/§4.6).
func (d *Dispatcher) SendIdentifySocket(selfID int64) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindIdentifySocket}, &proto.IdentifySocketBody{SelfPID: selfID})
}

// SendJoinPGRP writes the controller's join offer to a freshly accepted
// worker. replyTo, if non-null, is the RRID the worker's JoinComplete
// reply should be addressed to.
func (d *Dispatcher) SendJoinPGRP(replyTo rrid.RRID, body *proto.JoinPGRPBody) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindJoinPGRP, NotifyOID: replyTo}, body)
}

// SendJoinComplete replies to the controller once topology has been
// applied, addressed at the notify_oid the JoinPGRP frame carried.
func (d *Dispatcher) SendJoinComplete(target rrid.RRID, body *proto.JoinCompleteBody) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindJoinComplete, ResponseOID: target}, body)
}

// SendCall submits a thunk as a plain "call": non-blocking, reply
// eventually delivered to response_oid via an ordinary Result frame.
func (d *Dispatcher) SendCall(responseOID rrid.RRID, thunk proto.Thunk) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindCall, ResponseOID: responseOID}, &proto.CallBody{Thunk: thunk})
}

// SendCallFetch submits a thunk whose raw result (bypassing the
// registry) is delivered straight to notifyOID.
func (d *Dispatcher) SendCallFetch(notifyOID rrid.RRID, thunk proto.Thunk) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindCallFetch, NotifyOID: notifyOID}, &proto.CallBody{Thunk: thunk})
}

// SendCallWait submits a thunk whose completion (not its value) is
// signalled at notifyOID via proto.OK{}, or the exception if it failed.
func (d *Dispatcher) SendCallWait(notifyOID rrid.RRID, thunk proto.Thunk) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindCallWait, NotifyOID: notifyOID}, &proto.CallBody{Thunk: thunk})
}

// SendRemoteDo submits a fire-and-forget thunk with no reply expected.
func (d *Dispatcher) SendRemoteDo(thunk proto.Thunk) error {
	return d.sendFrame(proto.WireHeader{Kind: proto.KindRemoteDo}, &proto.CallBody{Thunk: thunk})
}
