// Package proto defines the wire message taxonomy of spec.md §3/§6: the
// frame header plus the tagged union of message bodies exchanged between
// peers, encoded with the teacher's own wire codec
// (github.com/hashicorp/go-msgpack/codec), the same library
// client/rpc_client.go uses for its requestHeader/responseHeader framing.
package proto

import (
	"errors"

	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/worker"
)

// ErrUnknownKind is returned by Decoder.DecodeBody when the wire carries a
// discriminant this process's codec does not recognize (e.g. a newer
// peer). It is a recoverable decode error, not a crash (spec.md §9).
var ErrUnknownKind = errors.New("proto: unknown message kind")

// Kind is the wire discriminant. It must survive version skew: an unknown
// Kind fails decode with a recoverable error rather than crashing the
// dispatcher (spec.md §9).
type Kind uint8

const (
	KindCall Kind = iota
	KindCallFetch
	KindCallWait
	KindRemoteDo
	KindResult
	KindIdentifySocket
	KindIdentifySocketAck
	KindJoinPGRP
	KindJoinComplete
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCallFetch:
		return "call_fetch"
	case KindCallWait:
		return "call_wait"
	case KindRemoteDo:
		return "remote_do"
	case KindResult:
		return "result"
	case KindIdentifySocket:
		return "identify_socket"
	case KindIdentifySocketAck:
		return "identify_socket_ack"
	case KindJoinPGRP:
		return "join_pgrp"
	case KindJoinComplete:
		return "join_complete"
	default:
		return "unknown"
	}
}

// WireHeader travels ahead of every frame body and carries both
// correlation RRIDs described in spec.md §3. AddRefs/DelRefs piggyback
// spec.md §3's distributed-refcounting batches onto whatever frame
// happens to be going out next to the peer that owns them, rather than
// needing a dedicated message kind — exactly the "flushed by the
// dispatcher's send path" batching worker.Worker's DelMsgs/AddMsgs
// queues describe.
type WireHeader struct {
	Kind        Kind
	ResponseOID rrid.RRID
	NotifyOID   rrid.RRID
	AddRefs     []worker.AddMsg
	DelRefs     []worker.DelMsg
}

// Thunk names a registered function and its (already-decoded) arguments.
// The core treats user payload encoding as opaque (spec.md §1); Thunk is
// the shape that opaque encoding takes for the callable itself, resolved
// at the call site through a process-local function registry (see
// package call).
type Thunk struct {
	Func string
	Args []interface{}
}

// CallBody is the body of call, call_fetch, call_wait, and remote_do
// frames — they differ only in WireHeader.Kind and in whether/where a
// reply is expected.
type CallBody struct {
	Thunk Thunk
}

// ResultBody carries a value back to the registry slot named by the
// Result frame's ResponseOID: the request's response_oid for a call, or
// its notify_oid for a call_fetch/call_wait reply. Exception is non-nil exactly when the
// thunk (or a decode fault) produced a RemoteException; otherwise Value
// holds the raw return value.
type ResultBody struct {
	Exception *RemoteException
	Value     interface{}
}

// OK is the sentinel value call_wait replies with in place of a real
// return value.
type OK struct{}

// OtherWorker names one peer a freshly joined worker should know about.
type OtherWorker struct {
	ConnectAt string
	RPID      int64
}

// IdentifySocketBody is sent by the connection initiator to announce its
// worker id.
type IdentifySocketBody struct {
	SelfPID int64
}

// IdentifySocketAckBody completes the identity exchange.
type IdentifySocketAckBody struct {
	Version string
}

// JoinPGRPBody is sent by the controller to a freshly accepted worker.
type JoinPGRPBody struct {
	SelfPID            int64
	OtherWorkers       []OtherWorker
	Topology           string
	Lazy               bool
	EnableThreadedBLAS bool
}

// JoinCompleteBody is the worker's reply once it has applied the
// requested topology.
type JoinCompleteBody struct {
	CPUThreads int
	OSPID      int
}

// CapturedException is a thunk failure captured with its backtrace.
type CapturedException struct {
	Err       string
	Backtrace string
}

// RemoteException is the only exception type that crosses the wire
// transparently (spec.md §4.4). PID names the process where the failure
// originated.
type RemoteException struct {
	PID      int64
	Captured CapturedException
	Kind     string // e.g. "decode", "peer-died", "user"
}

func (e *RemoteException) Error() string {
	return e.Captured.Err
}
