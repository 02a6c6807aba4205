package call

import (
	"fmt"
	"runtime/debug"

	circbuf "github.com/armon/circbuf"

	"github.com/boxcast/coreproc/proto"
)

// backtraceCap bounds how much panic stack text a captured exception
// retains (the last backtraceCap bytes), via the teacher's own
// armon/circbuf dependency. The thunk's stderr is not captured.
const backtraceCap = 8 * 1024

// Engine runs thunks on behalf of one worker process.
type Engine struct {
	Funcs *Registry
	// SelfID stamps the PID field of any RemoteException this engine
	// captures.
	SelfID int64
}

// NewEngine returns an Engine bound to the given function registry and
// process id.
func NewEngine(funcs *Registry, selfID int64) *Engine {
	return &Engine{Funcs: funcs, SelfID: selfID}
}

// SetSelfID corrects the id stamped on captured exceptions once a
// process that started out not knowing its own id (a freshly launched
// worker, before JoinPGRP) learns it.
func (e *Engine) SetSelfID(id int64) {
	e.SelfID = id
}

// Run executes thunk. On success it returns the raw return value. On
// failure — an unregistered function, a returned error, or a panic — it
// returns a *proto.RemoteException instead; Run never panics itself
// (spec.md §4.4: the Call Engine never re-raises).
func (e *Engine) Run(thunk proto.Thunk) (value interface{}, exc *proto.RemoteException) {
	fn, ok := e.Funcs.Lookup(thunk.Func)
	if !ok {
		return nil, e.capture(fmt.Errorf("unregistered function %q", thunk.Func), nil)
	}

	var err error
	var buf *circbuf.Buffer
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf, _ = circbuf.NewBuffer(backtraceCap)
				if buf != nil {
					buf.Write(debug.Stack())
				}
				err = fmt.Errorf("panic in %s: %v", thunk.Func, r)
			}
		}()
		value, err = fn(thunk.Args)
	}()

	if err != nil {
		return nil, e.capture(err, buf)
	}
	return value, nil
}

func (e *Engine) capture(err error, buf *circbuf.Buffer) *proto.RemoteException {
	var backtrace string
	if buf != nil {
		backtrace = string(buf.Bytes())
	}
	return &proto.RemoteException{
		PID: e.SelfID,
		Captured: proto.CapturedException{
			Err:       err.Error(),
			Backtrace: backtrace,
		},
		Kind: "user",
	}
}

// DecodeFailure builds the synthetic RemoteException the dispatcher
// delivers when a frame body fails to decode (spec.md §4.3).
func DecodeFailure(selfID int64, err error) *proto.RemoteException {
	return &proto.RemoteException{
		PID: selfID,
		Captured: proto.CapturedException{
			Err: err.Error(),
		},
		Kind: "decode",
	}
}

// PeerDied builds the RemoteException used to abort RemoteValues that
// were waiting on a worker that has gone away (spec.md §4.5, §8
// invariant 6).
func PeerDied(deadWorker int64) *proto.RemoteException {
	return &proto.RemoteException{
		PID: deadWorker,
		Captured: proto.CapturedException{
			Err: fmt.Sprintf("worker %d died", deadWorker),
		},
		Kind: "peer-died",
	}
}
