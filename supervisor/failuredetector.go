package supervisor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
)

const gossipLeaveTimeout = 5 * time.Second

// eventDelegate feeds memberlist leave notifications (a graceful leave or
// a node declared dead) back into the Supervisor's ordinary
// deregistration path; join and update notifications are ignored. A gossiped
// suspicion can retire a dead worker faster than that peer's TCP stream
// would ever notice the loss on its own (spec.md §8 scenario 4's
// peer-death-to-RemoteException bound, tightened on lossy networks).
// Stream EOF remains the fallback detector: a Supervisor with no
// memberlist cluster configured is still fully correct, just slower.
type eventDelegate struct {
	sup *Supervisor
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	id, ok := parseNodeName(n.Name)
	if !ok {
		return
	}
	e.sup.Logger.Printf("[WARN] supervisor: memberlist reports worker %d left", id)
	e.sup.DeregisterWorker(id)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {}

// nodeName derives the gossip node name for worker id — just its decimal
// string, parsed back out by parseNodeName on the receiving end.
func nodeName(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseNodeName(name string) (int64, bool) {
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// JoinGossipCluster starts a memberlist node advertising this worker's
// identity at bindAddr, and attempts to join the cluster through seeds
// (existing members' host:port strings). Purely additive: failure to
// join only disables the early-warning signal, never the core protocol.
func (s *Supervisor) JoinGossipCluster(bindAddr string, bindPort int, seeds []string) error {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = nodeName(s.Table.SelfID())
	cfg.BindAddr = bindAddr
	cfg.BindPort = bindPort
	cfg.AdvertisePort = bindPort

	s.mlEvents = &eventDelegate{sup: s}
	cfg.Events = s.mlEvents

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return fmt.Errorf("supervisor: starting gossip node: %w", err)
	}
	s.memberlist = ml

	if len(seeds) > 0 {
		if _, err := ml.Join(seeds); err != nil {
			return fmt.Errorf("supervisor: joining gossip cluster: %w", err)
		}
	}
	return nil
}

// LeaveGossipCluster announces a graceful departure and shuts the local
// memberlist node down. A no-op if JoinGossipCluster was never called.
func (s *Supervisor) LeaveGossipCluster() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(gossipLeaveTimeout); err != nil {
		return err
	}
	return s.memberlist.Shutdown()
}
