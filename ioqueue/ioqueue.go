// File: ioqueue/ioqueue.go
// Author: momentics <momentics@gmail.com>
//
// Fair metering of disk requests. Each I/O coordinator shard owns one
// Queue; shards routed to it enqueue {priority class, size, prepare}
// requests. The scheduler repeatedly picks the active class with the
// lowest accumulated-cost-per-share, stable by class id, and lets it
// consume one in-flight slot.

package ioqueue

import (
	"container/heap"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
)

const maxClasses = 1024

// PriorityClass identifies a globally registered share weight.
type PriorityClass struct {
	id uint32
}

// ID returns the class's registration index.
func (pc PriorityClass) ID() uint32 { return pc.id }

// The class registry is process-global and updated rarely; a plain
// mutex guards it, never on the I/O hot path.
var registry struct {
	sync.Mutex
	shares [maxClasses]uint32
	names  [maxClasses]string
	used   uint32
}

// RegisterPriorityClass allocates a class with the given share weight.
// Registration is global and happens once per class; per-shard state is
// created lazily on first use.
func RegisterPriorityClass(name string, shares uint32) PriorityClass {
	if shares == 0 {
		shares = 1
	}
	registry.Lock()
	defer registry.Unlock()
	if registry.used == maxClasses {
		panic("ioqueue: priority class registry exhausted")
	}
	id := registry.used
	registry.used++
	registry.shares[id] = shares
	registry.names[id] = name
	return PriorityClass{id: id}
}

var defaultClass = RegisterPriorityClass("default", 1)

// DefaultPriorityClass returns the class unprioritized I/O is charged to.
func DefaultPriorityClass() PriorityClass { return defaultClass }

func sharesOf(pc PriorityClass) uint32 {
	registry.Lock()
	defer registry.Unlock()
	return registry.shares[pc.id]
}

type request struct {
	size int
	do   func() *future.Future[int]
	pr   *future.Promise[int]
}

// classData is the per-queue state of one priority class.
type classData struct {
	id          uint32
	shares      uint32
	accumulated float64 // cost charged so far, normalized by shares
	bytes       uint64
	ops         uint64
	fifo        *queue.Queue
	index       int // heap position, -1 when idle
}

// Queue meters all I/O routed to one coordinator shard. All methods run
// on that shard only.
type Queue struct {
	ex          api.Executor
	coordinator int
	capacity    int
	topology    []int
	classes     map[uint32]*classData
	active      classHeap
	inflight    int
	waiters     int
}

// New creates the coordinator's queue. capacity is the disk concurrency
// this queue may keep in flight; topology maps every shard to its
// coordinator.
func New(ex api.Executor, coordinator, capacity int, topology []int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ex:          ex,
		coordinator: coordinator,
		capacity:    capacity,
		topology:    topology,
		classes:     make(map[uint32]*classData),
	}
}

// Coordinator returns the owning shard.
func (q *Queue) Coordinator() int { return q.coordinator }

// CoordinatorOf returns the coordinator shard serving the given shard.
func (q *Queue) CoordinatorOf(shard int) int {
	if shard < len(q.topology) {
		return q.topology[shard]
	}
	return q.coordinator
}

// Capacity returns the in-flight bound.
func (q *Queue) Capacity() int { return q.capacity }

// Queued returns the number of requests waiting for a slot.
func (q *Queue) Queued() int { return q.waiters }

// ClassStats returns the bytes and ops charged to a class on this queue.
func (q *Queue) ClassStats(pc PriorityClass) (bytes, ops uint64) {
	if cd, ok := q.classes[pc.id]; ok {
		return cd.bytes, cd.ops
	}
	return 0, 0
}

// Submit enqueues a request of the given size under pc. do runs once the
// scheduler grants a slot; its future's outcome resolves the returned
// future and releases the slot.
func (q *Queue) Submit(pc PriorityClass, size int, do func() *future.Future[int]) *future.Future[int] {
	cd := q.findOrCreate(pc)
	pr := future.NewPromise[int](q.ex)
	cd.fifo.Add(&request{size: size, do: do, pr: pr})
	q.waiters++
	if cd.index == -1 {
		q.activate(cd)
	}
	q.dispatch()
	return pr.Future()
}

func (q *Queue) findOrCreate(pc PriorityClass) *classData {
	if cd, ok := q.classes[pc.id]; ok {
		return cd
	}
	cd := &classData{
		id:     pc.id,
		shares: sharesOf(pc),
		fifo:   queue.New(),
		index:  -1,
	}
	q.classes[pc.id] = cd
	return cd
}

// activate inserts an idle class into the heap, clamped forward to the
// current virtual time so a long-idle class cannot starve the others.
func (q *Queue) activate(cd *classData) {
	if len(q.active) > 0 {
		if front := q.active[0].accumulated; cd.accumulated < front {
			cd.accumulated = front
		}
	}
	heap.Push(&q.active, cd)
}

// dispatch grants slots while capacity remains.
func (q *Queue) dispatch() {
	for q.inflight < q.capacity && len(q.active) > 0 {
		cd := q.active[0]
		req := cd.fifo.Remove().(*request)
		q.waiters--
		cd.accumulated += float64(req.size) / float64(cd.shares)
		cd.bytes += uint64(req.size)
		cd.ops++
		if cd.fifo.Length() == 0 {
			heap.Pop(&q.active)
			cd.index = -1
		} else {
			heap.Fix(&q.active, 0)
		}
		q.inflight++
		future.Consume(req.do(), func(res api.Result[int]) {
			q.inflight--
			q.dispatch()
			req.pr.SetResult(res)
		})
	}
}

// classHeap orders active classes by accumulated cost per share, stable
// by class id.
type classHeap []*classData

func (h classHeap) Len() int { return len(h) }

func (h classHeap) Less(i, j int) bool {
	if h[i].accumulated != h[j].accumulated {
		return h[i].accumulated < h[j].accumulated
	}
	return h[i].id < h[j].id
}

func (h classHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *classHeap) Push(x any) {
	cd := x.(*classData)
	cd.index = len(*h)
	*h = append(*h, cd)
}

func (h *classHeap) Pop() any {
	old := *h
	n := len(old)
	cd := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return cd
}
