// Package recovery moves objects to their new homes after a membership
// change and tracks cluster-wide recovery completion.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/placement"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/store"
	"github.com/collie-store/collie/pkg/types"
)

const fetchWorkers = 4

// Fetcher pulls object inventories and object contents from other nodes.
// The server backs it with the peer transport.
type Fetcher interface {
	ListObjects(n types.Node) ([]types.ObjectID, error)
	FetchObject(n types.Node, oid types.ObjectID, epoch uint32) ([]byte, status.Code)
}

// Coordinator runs one recovery per epoch: it fetches the objects this node
// must newly hold, stashes the ones it no longer owns, and accounts which
// members have finished so stale data is purged exactly once per epoch.
type Coordinator struct {
	self   types.Node
	store  store.Driver
	fetch  Fetcher
	logger zerolog.Logger

	// onLocalDone broadcasts this node's completion for the given epoch.
	onLocalDone func(epoch uint32)

	mu      sync.Mutex
	running bool
	epoch   uint32
	cancel  context.CancelFunc

	total atomic.Uint64
	done  atomic.Uint64

	// completion accumulator, reset whenever a newer epoch reports
	accEpoch  uint32
	recovered map[string]struct{}
	cleaned   bool
}

// New builds a coordinator. onLocalDone is invoked off the recovery
// goroutine once the local fetch pass finishes.
func New(self types.Node, st store.Driver, fetch Fetcher, onLocalDone func(epoch uint32)) *Coordinator {
	return &Coordinator{
		self:        self,
		store:       st,
		fetch:       fetch,
		logger:      log.WithComponent("recovery"),
		onLocalDone: onLocalDone,
		recovered:   make(map[string]struct{}),
	}
}

// State reports progress for the stat_recovery operation.
func (c *Coordinator) State() types.RecoveryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.RecoveryState{
		Running:   c.running,
		Epoch:     c.epoch,
		Total:     c.total.Load(),
		Recovered: c.done.Load(),
	}
}

// Start launches recovery toward view. A recovery already running for an
// older epoch is cancelled first; the new one subsumes it.
func (c *Coordinator) Start(view *placement.View, sources []types.Node, copies int) {
	c.mu.Lock()
	if c.running && c.epoch >= view.Epoch {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.epoch = view.Epoch
	c.cancel = cancel
	c.total.Store(0)
	c.done.Store(0)
	c.mu.Unlock()

	metrics.RecoveryRunning.Set(1)
	go c.run(ctx, view, sources, copies)
}

func (c *Coordinator) run(ctx context.Context, view *placement.View, sources []types.Node, copies int) {
	epoch := view.Epoch
	c.logger.Info().Uint32("epoch", epoch).Int("nodes", view.Len()).Msg("recovery started")

	holders := c.inventory(sources)
	local := make(map[types.ObjectID]struct{})
	if oids, err := c.store.List(); err == nil {
		for _, oid := range oids {
			local[oid] = struct{}{}
		}
	}

	// Objects this node must hold under the new view but lacks.
	var needed []types.ObjectID
	for oid := range holders {
		if _, have := local[oid]; have {
			continue
		}
		if c.owns(view, oid, copies) {
			needed = append(needed, oid)
		}
	}
	c.total.Store(uint64(len(needed)))
	metrics.RecoveryObjectsTotal.Set(float64(len(needed)))
	metrics.RecoveryObjectsDone.Set(0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	for _, oid := range needed {
		oid := oid
		g.Go(func() error {
			c.fetchOne(gctx, oid, holders[oid], epoch)
			c.done.Add(1)
			metrics.RecoveryObjectsDone.Set(float64(c.done.Load()))
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		// Superseded by a newer epoch; that recovery reports instead.
		return
	}

	// Objects this node holds but no longer owns move to the stale area,
	// recoverable until the whole cluster has caught up.
	for oid := range local {
		if !c.owns(view, oid, copies) {
			c.store.Stash(oid, epoch)
		}
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.running = false
	}
	c.mu.Unlock()
	metrics.RecoveryRunning.Set(0)

	c.logger.Info().Uint32("epoch", epoch).Int("fetched", len(needed)).Msg("local recovery finished")
	c.onLocalDone(epoch)
}

// inventory asks every source node for its object list and records which
// nodes hold each object.
func (c *Coordinator) inventory(sources []types.Node) map[types.ObjectID][]types.Node {
	holders := make(map[types.ObjectID][]types.Node)
	for _, n := range sources {
		if n.ID == c.self.ID {
			continue
		}
		oids, err := c.fetch.ListObjects(n)
		if err != nil {
			c.logger.Warn().Err(err).Str("node", n.ID).Msg("cannot list objects on peer")
			continue
		}
		for _, oid := range oids {
			holders[oid] = append(holders[oid], n)
		}
	}
	return holders
}

func (c *Coordinator) owns(view *placement.View, oid types.ObjectID, copies int) bool {
	for _, n := range view.Replicas(oid, copies) {
		if n.ID == c.self.ID {
			return true
		}
	}
	return false
}

// fetchOne pulls one object from any of its holders, retrying transient
// failures with backoff until the context is cancelled.
func (c *Coordinator) fetchOne(ctx context.Context, oid types.ObjectID, holders []types.Node, epoch uint32) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	err := backoff.Retry(func() error {
		for _, n := range holders {
			data, code := c.fetch.FetchObject(n, oid, epoch)
			if code == status.Success {
				iocb := &store.IOCB{Epoch: epoch, Buf: data}
				if wc := c.store.CreateAndWrite(oid, iocb); wc != status.Success {
					return wc.Err()
				}
				return nil
			}
		}
		return status.EIO.Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil && ctx.Err() == nil {
		c.logger.Error().Str("oid", oid.String()).Err(err).Msg("giving up on object")
	}
}

// NodeRecovered accounts one member's completion report for epoch. When
// every member of view has reported and the view spans at least redundancy
// zones, stale objects are purged, exactly once per epoch.
func (c *Coordinator) NodeRecovered(epoch uint32, nodeID string, view *placement.View, redundancy int) {
	c.mu.Lock()
	if epoch < c.accEpoch {
		c.mu.Unlock()
		return
	}
	if epoch > c.accEpoch {
		c.accEpoch = epoch
		c.recovered = make(map[string]struct{})
		c.cleaned = false
	}
	c.recovered[nodeID] = struct{}{}

	complete := !c.cleaned && view.NumZones() >= redundancy
	if complete {
		for _, n := range view.Nodes() {
			if _, ok := c.recovered[n.ID]; !ok {
				complete = false
				break
			}
		}
	}
	if complete {
		c.cleaned = true
	}
	c.mu.Unlock()

	if complete {
		c.logger.Info().Uint32("epoch", epoch).Msg("all nodes recovered, purging stale objects")
		if code := c.store.Cleanup(); code != status.Success {
			c.logger.Error().Str("code", code.String()).Msg("stale purge failed")
		}
	}
}
