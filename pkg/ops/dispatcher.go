package ops

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/cluster"
	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/metrics"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// clusterEvent is the unit broadcast for a CLUSTER operation: the original
// request plus the initiator's work-phase outcome, so every main phase runs
// with identical inputs.
type clusterEvent struct {
	ID   string          `json:"id"`
	Req  *types.Request  `json:"req"`
	Work *types.Response `json:"work"`
}

// Dispatcher routes requests through the operation table. It is also the
// cluster.Handler: Deliver applies CLUSTER main phases in the total order
// the group-communication driver establishes.
type Dispatcher struct {
	sys    System
	driver cluster.Driver
	logger zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan *types.Response
}

// NewDispatcher wires a dispatcher to the node state and the cluster
// driver. The caller passes the dispatcher to Driver.Join as the handler.
func NewDispatcher(sys System, driver cluster.Driver) *Dispatcher {
	return &Dispatcher{
		sys:     sys,
		driver:  driver,
		logger:  log.WithComponent("ops"),
		pending: make(map[string]chan *types.Response),
	}
}

// System exposes the node state to handlers that run outside the table.
func (d *Dispatcher) System() System { return d.sys }

// Exec runs one request to completion and returns its response. For
// CLUSTER operations it blocks until the local main phase has applied.
func (d *Dispatcher) Exec(ctx context.Context, req *types.Request) *types.Response {
	desc := Lookup(req.Op)
	if desc == nil {
		return &types.Response{Result: uint8(status.NoSupport)}
	}

	start := time.Now()
	rsp := d.exec(ctx, desc, req)
	rsp.Epoch = d.sys.Epoch()
	metrics.ObserveRequest(desc.Name, strconv.Itoa(int(rsp.Result)), time.Since(start))

	if code := status.Code(rsp.Result); code != status.Success {
		d.logger.Debug().Str("op", desc.Name).Str("result", code.String()).Msg("request failed")
	}
	return rsp
}

func (d *Dispatcher) exec(ctx context.Context, desc *Descriptor, req *types.Request) *types.Response {
	// The gate: while the cluster is not operational only force
	// operations may proceed, and the caller learns the state instead.
	if st := d.sys.Status(); st != types.StatusOK && !desc.Force {
		return &types.Response{Result: uint8(st.Code())}
	}

	if desc.Admin {
		d.logger.Info().Str("op", desc.Name).Msg("admin operation requested")
	}

	if desc.Class != ClassCluster {
		rsp := &types.Response{}
		code := desc.Work(d, req, rsp)
		rsp.Result = uint8(code)
		return rsp
	}
	return d.execCluster(ctx, desc, req)
}

func (d *Dispatcher) execCluster(ctx context.Context, desc *Descriptor, req *types.Request) *types.Response {
	work := &types.Response{}
	if desc.Work != nil {
		code := desc.Work(d, req, work)
		work.Result = uint8(code)
		if code != status.Success {
			// A failed work phase is never broadcast; nothing to undo.
			return work
		}
	}

	ev := clusterEvent{ID: uuid.NewString(), Req: req, Work: work}
	payload, err := json.Marshal(&ev)
	if err != nil {
		d.logger.Error().Err(err).Str("op", desc.Name).Msg("cannot encode cluster event")
		return &types.Response{Result: uint8(status.SystemError)}
	}

	ch := make(chan *types.Response, 1)
	d.pendingMu.Lock()
	d.pending[ev.ID] = ch
	d.pendingMu.Unlock()

	// Leader-based drivers may transiently refuse to originate; retry
	// with backoff until the broadcast is accepted or the caller quits.
	notify := func() error { return d.driver.Notify(payload) }
	if err := backoff.Retry(notify, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		d.dropPending(ev.ID)
		d.logger.Error().Err(err).Str("op", desc.Name).Msg("cluster broadcast failed")
		return &types.Response{Result: uint8(status.Again)}
	}

	select {
	case rsp := <-ch:
		return rsp
	case <-ctx.Done():
		d.dropPending(ev.ID)
		return &types.Response{Result: uint8(status.Again)}
	}
}

func (d *Dispatcher) dropPending(id string) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

func (d *Dispatcher) takePending(id string) chan *types.Response {
	d.pendingMu.Lock()
	ch := d.pending[id]
	delete(d.pending, id)
	d.pendingMu.Unlock()
	return ch
}

// Deliver applies one totally-ordered cluster event. The driver calls it
// from a single goroutine, so main phases never run concurrently.
func (d *Dispatcher) Deliver(sender types.Node, payload []byte) {
	var ev clusterEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.Error().Err(err).Msg("undecodable cluster event")
		return
	}
	if ev.Req == nil {
		d.logger.Error().Str("from", sender.ID).Msg("cluster event without request")
		return
	}
	desc := Lookup(ev.Req.Op)
	if desc == nil || desc.Class != ClassCluster {
		d.logger.Error().Uint8("op", uint8(ev.Req.Op)).Msg("cluster event for non-cluster opcode")
		return
	}
	if desc.Admin {
		d.logger.Info().Str("op", desc.Name).Str("by", sender.ID).Msg("admin operation applied")
	}

	rsp := ev.Work
	if rsp == nil {
		rsp = &types.Response{}
	}
	if status.Code(rsp.Result) == status.Success && desc.Main != nil {
		rsp.Result = uint8(desc.Main(d, sender, ev.Req, rsp))
	}

	// Only the initiator holds a pending entry for this id.
	if ch := d.takePending(ev.ID); ch != nil {
		ch <- rsp
	}
}

// ViewChange forwards an agreed membership change to the node state. It
// arrives on the same goroutine as Deliver, so epoch advancement is ordered
// against main phases.
func (d *Dispatcher) ViewChange(nodes []types.Node) {
	d.sys.HandleViewChange(nodes)
}
