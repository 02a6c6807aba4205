package cluster

import (
	"bytes"

	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// dispatcherSender writes frames to a worker's outbound stream, sharing
// its WriteMu with whatever Dispatcher owns the read side of the same
// connection. It only ever calls FrameCodec's write methods, so the
// read-side bufio.Reader transport.NewFrameCodec allocates here is never
// touched — the two sides of the same stream are written and read
// through independent FrameCodec values, exactly as dispatch.Dispatcher
// itself does for replies.
type dispatcherSender struct {
	w *worker.Worker
}

func (s *dispatcherSender) send(hdr proto.WireHeader, body interface{}) error {
	codec := transport.NewFrameCodec(bytes.NewReader(nil), s.w.WStream)
	s.w.WriteMu.Lock()
	defer s.w.WriteMu.Unlock()
	if err := codec.WriteHeader(hdr); err != nil {
		return err
	}
	if err := codec.WriteBody(body); err != nil {
		return err
	}
	return codec.WriteBoundary()
}

func (s *dispatcherSender) SendCall(responseOID rrid.RRID, thunk proto.Thunk) error {
	return s.send(proto.WireHeader{Kind: proto.KindCall, ResponseOID: responseOID}, &proto.CallBody{Thunk: thunk})
}

func (s *dispatcherSender) SendCallFetch(notifyOID rrid.RRID, thunk proto.Thunk) error {
	return s.send(proto.WireHeader{Kind: proto.KindCallFetch, NotifyOID: notifyOID}, &proto.CallBody{Thunk: thunk})
}

func (s *dispatcherSender) SendCallWait(notifyOID rrid.RRID, thunk proto.Thunk) error {
	return s.send(proto.WireHeader{Kind: proto.KindCallWait, NotifyOID: notifyOID}, &proto.CallBody{Thunk: thunk})
}

func (s *dispatcherSender) SendRemoteDo(thunk proto.Thunk) error {
	return s.send(proto.WireHeader{Kind: proto.KindRemoteDo}, &proto.CallBody{Thunk: thunk})
}
