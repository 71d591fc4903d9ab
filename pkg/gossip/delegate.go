package gossip

import (
	"github.com/hashicorp/memberlist"
)

// delegate only carries the advert, we have no user messages.
type delegate struct {
	n *Node
}

func (d *delegate) NodeMeta(limit int) []byte {
	d.n.mu.Lock()
	defer d.n.mu.Unlock()
	if len(d.n.meta) > limit {
		d.n.logger.Error("advert larger than metadata limit", "limit", limit)
		return nil
	}
	return d.n.meta
}

func (d *delegate) NotifyMsg([]byte) {}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

type events struct {
	n *Node
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	withLogNode(e.n.logger, node).Info("peer joined cluster")
	e.n.found(node)
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	withLogNode(e.n.logger, node).Info("peer left cluster")
	e.n.lost(node)
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	withLogNode(e.n.logger, node).Info("peer updated")
	e.n.found(node)
}
