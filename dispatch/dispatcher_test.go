package dispatch

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/boxcast/coreproc/call"
	"github.com/boxcast/coreproc/proto"
	"github.com/boxcast/coreproc/registry"
	"github.com/boxcast/coreproc/rrid"
	"github.com/boxcast/coreproc/transport"
	"github.com/boxcast/coreproc/worker"
)

// pairedDispatchers wires two in-memory-pipe Dispatchers up as controller
// (id 1) and worker (id 2), runs their identity exchange, and returns both
// once each side has bound the other as its peer.
func pairedDispatchers(t *testing.T) (ctrl, wrk *Dispatcher, ctrlReg, wrkReg *registry.Registry) {
	t.Helper()

	a, b := net.Pipe()

	ctrlTable := worker.NewTable(worker.Controller)
	wrkTable := worker.NewTable(2)
	ctrlReg = registry.New()
	wrkReg = registry.New()

	ctrlFuncs := call.NewRegistry()
	wrkFuncs := call.NewRegistry()
	wrkFuncs.Register("echo", func(args []interface{}) (interface{}, error) {
		return args[0], nil
	})
	wrkFuncs.Register("boom", func(args []interface{}) (interface{}, error) {
		return nil, errors.New("kaboom")
	})

	ctrl = &Dispatcher{
		Codec:    transport.NewFrameCodec(a, a),
		Table:    ctrlTable,
		Registry: ctrlReg,
		Engine:   call.NewEngine(ctrlFuncs, worker.Controller),
		Minter:   rrid.NewMinter(worker.Controller),
		Incoming: false,
	}
	wrk = &Dispatcher{
		Codec:    transport.NewFrameCodec(b, b),
		Table:    wrkTable,
		Registry: wrkReg,
		Engine:   call.NewEngine(wrkFuncs, 2),
		Minter:   rrid.NewMinter(2),
		Incoming: true,
		Stream:   b,
	}

	wCtrl := worker.New(2)
	wCtrl.RStream, wCtrl.WStream = a, a
	if err := ctrlTable.Register(wCtrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctrl.PeerID = 2

	go wrk.Run()
	go ctrl.Run()

	// Drive the IdentifySocket/Ack exchange by hand, the way topology
	// would on a freshly dialed connection.
	if err := ctrl.sendFrame(proto.WireHeader{Kind: proto.KindIdentifySocket}, &proto.IdentifySocketBody{SelfPID: worker.Controller}); err != nil {
		t.Fatalf("send identify: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	return ctrl, wrk, ctrlReg, wrkReg
}

func TestDispatcherEcho(t *testing.T) {
	ctrl, _, ctrlReg, _ := pairedDispatchers(t)

	resp := ctrl.Minter.Mint(1)
	if _, err := ctrlReg.Register(resp, 2, false); err != nil {
		t.Fatalf("register response slot: %v", err)
	}

	err := ctrl.sendFrame(proto.WireHeader{Kind: proto.KindCall, ResponseOID: resp}, &proto.CallBody{
		Thunk: proto.Thunk{Func: "echo", Args: []interface{}{"hello"}},
	})
	if err != nil {
		t.Fatalf("send call: %v", err)
	}

	v, err := ctrlReg.Take(resp)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if v != "hello" {
		t.Fatalf("expected echo of %q, got %v", "hello", v)
	}
}

func TestDispatcherExceptionSurfaces(t *testing.T) {
	ctrl, _, ctrlReg, _ := pairedDispatchers(t)

	resp := ctrl.Minter.Mint(1)
	if _, err := ctrlReg.Register(resp, 2, false); err != nil {
		t.Fatalf("register response slot: %v", err)
	}

	err := ctrl.sendFrame(proto.WireHeader{Kind: proto.KindCall, ResponseOID: resp}, &proto.CallBody{
		Thunk: proto.Thunk{Func: "boom"},
	})
	if err != nil {
		t.Fatalf("send call: %v", err)
	}

	v, err := ctrlReg.Take(resp)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	exc, ok := v.(*proto.RemoteException)
	if !ok {
		t.Fatalf("expected *proto.RemoteException, got %T", v)
	}
	if exc.Captured.Err != "kaboom" {
		t.Fatalf("unexpected captured error: %q", exc.Captured.Err)
	}
}

// TestDispatcherResyncsAfterBodyDecodeFailure corrupts one frame's body
// mid-stream on an otherwise live connection and asserts the receiving
// dispatcher recovers at the next boundary sentinel instead of failing
// the connection permanently (spec.md §4.3's recovery rule).
func TestDispatcherResyncsAfterBodyDecodeFailure(t *testing.T) {
	ctrl, _, ctrlReg, _ := pairedDispatchers(t)

	// A well-formed header announcing a Call body, but a body that isn't
	// a Call body at all: codec.Decode refuses to decode a bare string
	// into the CallBody struct, so wrk's ReadBody fails exactly the way a
	// truncated or bit-flipped frame would.
	if err := ctrl.Codec.WriteHeader(proto.WireHeader{Kind: proto.KindCall}); err != nil {
		t.Fatalf("write corrupt header: %v", err)
	}
	if err := ctrl.Codec.WriteBody("not a call body"); err != nil {
		t.Fatalf("write corrupt body: %v", err)
	}
	if err := ctrl.Codec.WriteBoundary(); err != nil {
		t.Fatalf("write boundary: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	// The connection must still be alive: a normal call sent right after
	// the corrupt frame should complete exactly as it would have without
	// the corruption.
	resp := ctrl.Minter.Mint(1)
	if _, err := ctrlReg.Register(resp, 2, false); err != nil {
		t.Fatalf("register response slot: %v", err)
	}
	err := ctrl.sendFrame(proto.WireHeader{Kind: proto.KindCall, ResponseOID: resp}, &proto.CallBody{
		Thunk: proto.Thunk{Func: "echo", Args: []interface{}{"still alive"}},
	})
	if err != nil {
		t.Fatalf("send call after corruption: %v", err)
	}

	v, err := ctrlReg.Take(resp)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if v != "still alive" {
		t.Fatalf("expected echo after resync, got %v", v)
	}
}

func TestDispatcherUnregisteredFunctionCaptured(t *testing.T) {
	ctrl, _, ctrlReg, _ := pairedDispatchers(t)

	resp := ctrl.Minter.Mint(1)
	if _, err := ctrlReg.Register(resp, 2, false); err != nil {
		t.Fatalf("register response slot: %v", err)
	}

	err := ctrl.sendFrame(proto.WireHeader{Kind: proto.KindCall, ResponseOID: resp}, &proto.CallBody{
		Thunk: proto.Thunk{Func: "nope"},
	})
	if err != nil {
		t.Fatalf("send call: %v", err)
	}

	v, err := ctrlReg.Take(resp)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, ok := v.(*proto.RemoteException); !ok {
		t.Fatalf("expected *proto.RemoteException for unregistered func, got %T", v)
	}
}
