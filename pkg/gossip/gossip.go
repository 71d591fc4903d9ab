// Package gossip lets peers find each other over `hashicorp/memberlist`.
//
// Every node advertises an `Advert` in its memberlist metadata. Peers
// joining or updating their advert are reported to listeners as found,
// peers leaving or failing as lost. This is how a process learns which
// remote nodes serve the functions an engine forwards over channels.
package gossip

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricPeers       = []string{"fibre", "gossip", "peers", "live"}
	MetricBadAdverts  = []string{"fibre", "gossip", "adverts", "malformed", "count"}
	MetricAdvertBytes = []string{"fibre", "gossip", "advert", "bytes"}
)

// Listener is told about peers. Calls are made from memberlist goroutines
// and must not block nor call back into the `Node`.
type Listener interface {
	Found(a Advert)
	Lost(node string)
}

// Node is a member of the gossip cluster.
type Node struct {
	cfg    config
	logger *slog.Logger
	ml     *memberlist.Memberlist
	name   string

	mu       sync.Mutex
	meta     []byte
	peers    map[string]Advert
	shutdown bool
}

func Create(opts ...Option) (*Node, error) {
	n := &Node{
		peers: make(map[string]Advert),
	}
	n.cfg.mlCfg = memberlist.DefaultLANConfig()
	n.cfg.updateTimeout = 5 * time.Second

	for _, opt := range opts {
		if err := opt(&n.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if n.cfg.logHandler != nil {
		n.logger = slog.New(n.cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.name = n.cfg.mlCfg.Name
	n.logger = n.logger.With("node", n.name)
	n.cfg.mlCfg.LogOutput = nil
	n.cfg.mlCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)

	if n.cfg.msink == nil {
		n.cfg.msink = metrics.Default()
	}

	meta, err := Advert{}.marshal()
	if err != nil {
		return nil, err
	}
	n.meta = meta
	n.cfg.mlCfg.Delegate = &delegate{n}
	n.cfg.mlCfg.Events = &events{n}

	ml, err := memberlist.Create(n.cfg.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.ml = ml
	return n, nil
}

// Name of the node in the cluster.
func (n *Node) Name() string {
	return n.name
}

// Addr is where peers can `Join` this node.
func (n *Node) Addr() string {
	return n.ml.LocalNode().Address()
}

// Join contacts the given peers and returns how many answered.
func (n *Node) Join(addrs []string) (int, error) {
	if n.closed() {
		return 0, ErrNodeClosed
	}
	joined, err := n.ml.Join(addrs)
	if err != nil {
		return joined, err
	}
	if joined != len(addrs) {
		n.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(addrs),
		)
	}
	return joined, nil
}

// Advertise replaces what this node tells its peers.
func (n *Node) Advertise(a Advert) error {
	meta, err := a.marshal()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.meta = meta
	n.mu.Unlock()

	n.cfg.msink.SetGaugeWithLabels(MetricAdvertBytes, float32(len(meta)), n.cfg.metricLabels)
	return n.ml.UpdateNode(n.cfg.updateTimeout)
}

// Peers known to be alive, sorted by name.
func (n *Node) Peers() []Advert {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]Advert, 0, len(n.peers))
	for _, a := range n.peers {
		peers = append(peers, a)
	}
	slices.SortFunc(peers, func(a, b Advert) int {
		return strings.Compare(a.Node, b.Node)
	})
	return peers
}

// Lookup returns a peer serving fn. When many do, the first by name wins.
func (n *Node) Lookup(fn string) (Advert, bool) {
	for _, a := range n.Peers() {
		if a.Serves(fn) {
			return a, true
		}
	}
	return Advert{}, false
}

// Leave tells the cluster we are going, waiting at most timeout for the
// message to spread, and then stops the node.
func (n *Node) Leave(timeout time.Duration) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	n.mu.Unlock()

	n.logger.Info("leaving cluster")
	if err := n.ml.Leave(timeout); err != nil {
		n.logger.Warn("failed to leave gracefully", "error", err)
	}
	return n.ml.Shutdown()
}

func (n *Node) closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown
}

func (n *Node) found(node *memberlist.Node) {
	if node.Name == n.name {
		return
	}
	a, err := unmarshalAdvert(node)
	if err != nil {
		n.cfg.msink.IncrCounterWithLabels(MetricBadAdverts, 1, n.cfg.metricLabels)
		withLogNode(n.logger, node).Warn("ignoring peer", "error", err)
		return
	}

	n.mu.Lock()
	n.peers[node.Name] = a
	live := len(n.peers)
	n.mu.Unlock()

	n.cfg.msink.SetGaugeWithLabels(MetricPeers, float32(live), n.cfg.metricLabels)
	for _, l := range n.cfg.listeners {
		l.Found(a)
	}
}

func (n *Node) lost(node *memberlist.Node) {
	n.mu.Lock()
	_, known := n.peers[node.Name]
	delete(n.peers, node.Name)
	live := len(n.peers)
	n.mu.Unlock()

	if !known {
		return
	}
	n.cfg.msink.SetGaugeWithLabels(MetricPeers, float32(live), n.cfg.metricLabels)
	for _, l := range n.cfg.listeners {
		l.Lost(node.Name)
	}
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.Group("peer",
			"name", node.Name,
			"addr", node.Address(),
		),
	)
}
