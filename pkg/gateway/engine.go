// Package gateway implements the VDI I/O engine: it decomposes a logical
// byte-range read or write into per-object sub-requests, resolves
// copy-on-write indirection through the inode map, and serializes
// concurrent object-creation races.
package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/types"
)

// ObjectClient performs replicated object operations on behalf of the
// engine. The production client routes through the gateway fan-out; tests
// plug in a store-backed fake.
type ObjectClient interface {
	Read(oid types.ObjectID, buf []byte, offset uint64) status.Code
	Write(oid types.ObjectID, data []byte, offset uint64) status.Code
	// CreateAndWrite creates oid and writes data at offset. A non-zero
	// cow names the ancestor object whose content seeds the new one.
	CreateAndWrite(oid types.ObjectID, data []byte, offset uint64, cow types.ObjectID) status.Code
}

// Request is one logical I/O spanning possibly many data objects. The
// completion callback fires exactly once, after every sub-request it was
// counted for has finished.
type Request struct {
	Inode  *types.Inode
	Op     types.Opcode // OpReadObj or OpWriteObj
	Offset uint64
	Length uint64
	Buf    []byte

	done func(*Request)

	pending atomic.Int64
	result  atomic.Uint32 // first failing code, Success otherwise
	fired   atomic.Bool
}

// Result returns the request outcome: the first non-success code any
// sub-request observed.
func (r *Request) Result() status.Code {
	return status.Code(r.result.Load())
}

func (r *Request) fail(c status.Code) {
	if c != status.Success {
		r.result.CompareAndSwap(uint32(status.Success), uint32(c))
	}
}

// get takes one reference on the sub-request counter.
func (r *Request) get() {
	r.pending.Add(1)
}

// put drops one reference; the last one fires completion.
func (r *Request) put() {
	if r.pending.Add(-1) == 0 {
		if r.fired.CompareAndSwap(false, true) {
			r.done(r)
		}
	}
}

type subRequest struct {
	req    *Request
	idx    uint32
	offset uint64 // intra-object
	buf    []byte
}

func (s *subRequest) complete(c status.Code) {
	s.req.fail(c)
	s.req.put()
}

// Engine drives request splitting and completion bookkeeping.
type Engine struct {
	client ObjectClient
	logger zerolog.Logger

	// Per-VDI inode map locks. Readers resolve index→vid concurrently;
	// the writer that installs a created mapping excludes them only for
	// that update.
	lockMu sync.Mutex
	locks  map[types.VolumeID]*sync.RWMutex

	// Inflight-create index: presence of an oid means a create is in
	// flight; the slice is the FIFO queue of sub-requests parked on it.
	createMu sync.Mutex
	creates  map[types.ObjectID][]*subRequest

	tasks chan func()
}

// NewEngine builds an engine issuing object I/O through client, with the
// given number of worker goroutines.
func NewEngine(client ObjectClient, workers int) *Engine {
	if workers <= 0 {
		workers = 16
	}
	e := &Engine{
		client:  client,
		logger:  log.WithComponent("gateway"),
		locks:   make(map[types.VolumeID]*sync.RWMutex),
		creates: make(map[types.ObjectID][]*subRequest),
		tasks:   make(chan func(), 256),
	}
	for i := 0; i < workers; i++ {
		go func() {
			for fn := range e.tasks {
				fn()
			}
		}()
	}
	return e
}

// Close stops the worker pool. In-flight tasks finish first.
func (e *Engine) Close() {
	close(e.tasks)
}

func (e *Engine) run(fn func()) {
	e.tasks <- fn
}

func (e *Engine) lockFor(vid types.VolumeID) *sync.RWMutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.locks[vid]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[vid] = l
	}
	return l
}

// Submit splits the request into per-object sub-requests and issues them.
// done is invoked exactly once when all of them (including creates derived
// mid-flight) have completed.
func (e *Engine) Submit(inode *types.Inode, op types.Opcode, offset, length uint64, buf []byte, done func(*Request)) *Request {
	req := &Request{
		Inode:  inode,
		Op:     op,
		Offset: offset,
		Length: length,
		Buf:    buf,
		done:   done,
	}

	if op == types.OpWriteObj && inode.IsSnapshot() {
		req.fail(status.ReadOnly)
		req.get()
		req.put()
		return req
	}
	if offset+length > inode.Size || uint64(len(buf)) < length {
		req.fail(status.InvalidParms)
		req.get()
		req.put()
		return req
	}

	// The loop holds one extra reference so a sub-request completing
	// synchronously cannot fire the callback before splitting finishes.
	req.get()

	idx := uint32(offset / types.ObjectSize)
	objOff := offset % types.ObjectSize
	remaining := length
	var bufOff uint64
	for remaining > 0 {
		l := types.ObjectSize - objOff
		if l > remaining {
			l = remaining
		}
		sub := &subRequest{
			req:    req,
			idx:    idx,
			offset: objOff,
			buf:    buf[bufOff : bufOff+l],
		}
		req.get()
		e.submitSub(sub)
		idx++
		objOff = 0
		remaining -= l
		bufOff += l
	}

	req.put()
	return req
}

// SubmitAndWait is the synchronous form of Submit.
func (e *Engine) SubmitAndWait(inode *types.Inode, op types.Opcode, offset, length uint64, buf []byte) status.Code {
	ch := make(chan struct{})
	req := e.Submit(inode, op, offset, length, buf, func(*Request) { close(ch) })
	<-ch
	return req.Result()
}

// submitSub routes one sub-request. It is also the resubmission entry for
// sub-requests drained from the blocking queue; the counter reference taken
// at creation is still held, so no reference is taken here.
func (e *Engine) submitSub(sub *subRequest) {
	inode := sub.req.Inode
	lock := e.lockFor(inode.VID)

	lock.RLock()
	owner := inode.GetVID(sub.idx)
	lock.RUnlock()

	switch sub.req.Op {
	case types.OpReadObj:
		if owner == 0 {
			// Unallocated: logically zero-filled, no storage access.
			for i := range sub.buf {
				sub.buf[i] = 0
			}
			sub.complete(status.Success)
			return
		}
		oid := types.DataObjectID(owner, sub.idx)
		e.run(func() {
			sub.complete(e.client.Read(oid, sub.buf, sub.offset))
		})

	case types.OpWriteObj:
		switch owner {
		case inode.VID:
			oid := types.DataObjectID(owner, sub.idx)
			e.run(func() {
				sub.complete(e.client.Write(oid, sub.buf, sub.offset))
			})
		case 0:
			e.issueCreate(sub, 0)
		default:
			// Index inherited from an ancestor: copy-on-write.
			e.issueCreate(sub, types.DataObjectID(owner, sub.idx))
		}

	default:
		sub.complete(status.NoSupport)
	}
}

// issueCreate creates the sub-request's target object, guarding against a
// concurrent create of the same oid. The loser parks in the blocking queue
// and is resubmitted after the winner's index-map update is visible.
func (e *Engine) issueCreate(sub *subRequest, cow types.ObjectID) {
	oid := types.DataObjectID(sub.req.Inode.VID, sub.idx)

	e.createMu.Lock()
	if queue, inflight := e.creates[oid]; inflight {
		e.creates[oid] = append(queue, sub)
		e.createMu.Unlock()
		return
	}
	e.creates[oid] = nil
	e.createMu.Unlock()

	e.run(func() {
		code := e.client.CreateAndWrite(oid, sub.buf, sub.offset, cow)
		if code == status.Success {
			code = e.installMapping(sub.req.Inode, sub.idx)
		}

		e.createMu.Lock()
		waiters := e.creates[oid]
		delete(e.creates, oid)
		e.createMu.Unlock()

		sub.complete(code)

		// Resubmit in arrival order. The mapping now points at this
		// VDI, so the waiters take the plain write path.
		for _, w := range waiters {
			e.submitSub(w)
		}
	})
}

// installMapping records that the VDI now owns the object at idx, then
// persists exactly the 4 bytes of that inode slot.
func (e *Engine) installMapping(inode *types.Inode, idx uint32) status.Code {
	lock := e.lockFor(inode.VID)
	lock.Lock()
	inode.SetVID(idx, inode.VID)
	lock.Unlock()

	code := e.client.Write(types.InodeObjectID(inode.VID), types.EncodeSlot(inode.VID), types.SlotOffset(idx))
	if code != status.Success {
		e.logger.Error().
			Str("vid", types.InodeObjectID(inode.VID).String()).
			Uint32("idx", idx).
			Str("code", code.String()).
			Msg("failed to persist inode index slot")
	}
	return code
}
