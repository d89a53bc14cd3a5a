package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/mroth/weightedrand"

	"github.com/tendermint/braid/libs/log"
)

// Session runs one protocol session against peer. It reports whether the
// session did useful work. A session that returns because ctx ended is not a
// failure and should return a nil error.
type Session func(ctx context.Context, peer PeerInfo) (bool, error)

// NodeOption sets an optional parameter on a Node.
type NodeOption func(*Node)

// WithNodeMetrics sets the node's metrics collector.
func WithNodeMetrics(m *Metrics) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// WithNodeClock replaces time.Now for backoff bookkeeping.
func WithNodeClock(now func() time.Time) NodeOption {
	return func(n *Node) { n.now = now }
}

/*
Node runs a protocol against the peers of one network. It keeps up to
p2p.max-sessions sessions running, each against a different peer, and picks
peers at random weighted by their score.

Session results feed back into the peer database: a failed session lowers the
peer's score and puts it on backoff, a useful one raises its score, and an
uneventful one only refreshes LastSeen. Retry policy lives here; sessions
never retry on their own.
*/
type Node struct {
	network NetworkID
	res     *PeerResources
	manager *HTTPManager
	session Session
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	mtx    sync.Mutex
	active map[string]struct{}
}

// NewNode registers network with manager. No I/O happens until Run.
func NewNode(
	network NetworkID,
	res *PeerResources,
	manager *HTTPManager,
	session Session,
	logger log.Logger,
	opts ...NodeOption,
) (*Node, error) {
	if err := manager.Register(network); err != nil {
		return nil, err
	}
	n := &Node{
		network: network,
		res:     res,
		manager: manager,
		session: session,
		logger:  logger.With("network", network.String()),
		metrics: NopMetrics(),
		now:     time.Now,
		active:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Network returns the network the node runs.
func (n *Node) Network() NetworkID { return n.network }

// Run keeps sessions going until ctx is done, in which case it returns
// ctx.Err(). Any other error comes from the peer database.
func (n *Node) Run(ctx context.Context) error {
	for _, addr := range n.res.Config.BootstrapPeerURLs() {
		if _, err := n.res.DB.Add(n.network, addr); err != nil {
			return err
		}
	}

	workers := n.res.Config.MaxSessions
	if workers < 1 {
		workers = 1
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(taskgroup.Trigger(cancel))
	for i := 0; i < workers; i++ {
		g.Go(func() error { return n.worker(wctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Stop releases the node's registration.
func (n *Node) Stop() error {
	return n.manager.Deregister(n.network)
}

func (n *Node) worker(ctx context.Context) error {
	idle := time.NewTimer(0)
	defer idle.Stop()
	<-idle.C

	for ctx.Err() == nil {
		peer, ok := n.pick()
		if !ok {
			idle.Reset(n.res.Config.IdleWait)
			select {
			case <-ctx.Done():
				return nil
			case <-idle.C:
			}
			continue
		}
		if err := n.runSession(ctx, peer); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) runSession(ctx context.Context, peer PeerInfo) error {
	defer n.release(peer.Address)

	network := n.network.String()
	active := n.metrics.ActiveSessions.With("network", network)
	active.Add(1)
	defer active.Add(-1)

	sctx, cancel := context.WithTimeout(ctx, n.res.Config.SessionTimeout)
	useful, err := n.session(sctx, peer)
	cancel()

	var (
		now     = n.now()
		outcome string
		update  func(*PeerInfo)
	)
	switch {
	case ctx.Err() != nil:
		// shutting down; the peer is not to blame
		n.metrics.Sessions.With("network", network, "outcome", "cancelled").Add(1)
		return nil
	case err != nil:
		outcome = "failed"
		update = func(p *PeerInfo) {
			p.Score--
			p.Failures++
			p.LastFailure = now
			p.RetryAfter = now.Add(n.backoff(p.Failures))
		}
	case useful:
		outcome = "useful"
		update = func(p *PeerInfo) {
			p.Score++
			p.Failures = 0
			p.LastSeen = now
			p.RetryAfter = time.Time{}
		}
	default:
		outcome = "idle"
		update = func(p *PeerInfo) { p.LastSeen = now }
	}
	n.metrics.Sessions.With("network", network, "outcome", outcome).Add(1)
	n.logger.Debug("peer session finished", "peer", peer.Address, "outcome", outcome)
	return n.res.DB.Update(n.network, peer.Address, update)
}

// backoff is the pause imposed on a peer after its failures-th consecutive
// failure: BackoffBase doubled per failure, capped at BackoffMax.
func (n *Node) backoff(failures uint32) time.Duration {
	base, max := n.res.Config.BackoffBase, n.res.Config.BackoffMax
	if failures == 0 {
		return 0
	}
	if failures > 30 {
		return max
	}
	d := base << (failures - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// pick chooses a peer that is neither busy, backing off, nor this node, and
// marks it busy.
func (n *Node) pick() (PeerInfo, bool) {
	now := n.now()
	self := n.res.SelfAddress()

	n.mtx.Lock()
	defer n.mtx.Unlock()

	var choices []weightedrand.Choice
	for _, p := range n.res.DB.Ranked(n.network) {
		if _, busy := n.active[p.Address]; busy {
			continue
		}
		if p.Address == self || p.RetryAfter.After(now) {
			continue
		}
		choices = append(choices, weightedrand.NewChoice(p, p.Weight()))
	}
	if len(choices) == 0 {
		return PeerInfo{}, false
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return PeerInfo{}, false
	}
	peer := chooser.Pick().(PeerInfo)
	n.active[peer.Address] = struct{}{}
	return peer, true
}

func (n *Node) release(addr string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.active, addr)
}
