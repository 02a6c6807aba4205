package main

import (
	"encoding/json"
	"net"
	"time"

	metrics "github.com/armon/go-metrics"

	"github.com/boxcast/coreproc/worker"
)

// The debug control plane is a tiny newline-delimited JSON protocol the
// controller exposes purely for `ps`/`rmprocs`, kept deliberately outside
// the core wire protocol package (spec.md §1 scopes the core down to the
// five RPC verbs; cluster introspection is CLI ambient, not core).

type debugWorkerView struct {
	ID      int64  `json:"id"`
	State   string `json:"state"`
	Version string `json:"version"`
}

type debugRequest struct {
	Op  string  `json:"op"`
	IDs []int64 `json:"ids,omitempty"`
}

type debugResponse struct {
	Workers []debugWorkerView  `json:"workers,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func serveDebug(ln net.Listener, table *worker.Table, sink *metrics.InmemSink, rmprocs func(ids []int64) error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleDebugConn(conn, table, sink, rmprocs)
	}
}

func handleDebugConn(conn net.Conn, table *worker.Table, sink *metrics.InmemSink, rmprocs func(ids []int64) error) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req debugRequest
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		return
	}

	enc := json.NewEncoder(conn)
	switch req.Op {
	case "ps":
		var views []debugWorkerView
		for _, w := range table.All() {
			views = append(views, debugWorkerView{ID: w.ID, State: w.State().String(), Version: w.Version})
		}
		enc.Encode(debugResponse{Workers: views, Metrics: snapshotMetrics(sink)})
	case "rmprocs":
		if rmprocs == nil {
			enc.Encode(debugResponse{Error: "rmprocs not available on this process"})
			return
		}
		if err := rmprocs(req.IDs); err != nil {
			enc.Encode(debugResponse{Error: err.Error()})
			return
		}
		enc.Encode(debugResponse{})
	default:
		enc.Encode(debugResponse{Error: "unknown op " + req.Op})
	}
}

// snapshotMetrics flattens every retained interval of sink into a single
// name->value map: gauges take their most recently seen value, counters
// sum across every retained interval so a short-lived spike isn't lost to
// InmemSink's rolling window the moment that interval ages out. A nil
// sink (no metrics wired) yields a nil map.
func snapshotMetrics(sink *metrics.InmemSink) map[string]float64 {
	if sink == nil {
		return nil
	}
	out := make(map[string]float64)
	for _, interval := range sink.Data() {
		interval.RLock()
		for name, g := range interval.Gauges {
			out[name] = float64(g.Value)
		}
		for name, c := range interval.Counters {
			if c.AggregateSample == nil {
				continue
			}
			out[name] += c.AggregateSample.Sum
		}
		interval.RUnlock()
	}
	return out
}

func queryDebug(addr string, req debugRequest) (debugResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return debugResponse{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return debugResponse{}, err
	}
	var resp debugResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return debugResponse{}, err
	}
	return resp, nil
}
