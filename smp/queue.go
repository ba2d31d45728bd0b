// File: smp/queue.go
// Author: momentics <momentics@gmail.com>
//
// One cross-shard message queue per ordered shard pair: an SPSC ring of
// work-item pointers for requests plus its mirror for responses. Items
// are allocated on the sender, executed on the receiver, and freed by
// the sender after the response returns.

package smp

import (
	"github.com/eapache/queue"

	"github.com/momentics/hioload-runtime/api"
	"github.com/momentics/hioload-runtime/future"
	"github.com/momentics/hioload-runtime/pool"
	"github.com/momentics/hioload-runtime/reactor"
)

const (
	queueLength = 128
	batchSize   = 16
	prefetchCnt = 2

	// spillBudget bounds the sender-side overflow deque; beyond it
	// submissions fail transiently instead of hoarding memory.
	spillBudget = 8 * queueLength
)

// workItem crosses the fabric by pointer. process runs on the receiver;
// complete runs back on the sender once the response returns.
type workItem struct {
	process  func() *future.Future[future.Unit]
	complete func()
}

// senderStats and receiverStats sit on separate cache lines so the two
// sides' counters never false-share.
type senderStats struct {
	_                  [64]byte
	sent               uint64
	compl              uint64
	lastSentBatch      uint64
	lastComplBatch     uint64
	currentQueueLength uint64
}

type receiverStats struct {
	_             [64]byte
	received      uint64
	lastRcvdBatch uint64
}

// MessageQueue is the (from → to) half of a shard pair's fabric. The
// sender owns submitItem/flushRequestBatch/processCompletions; the receiver
// owns processIncoming/flushResponseBatch.
type MessageQueue struct {
	pending   *pool.SPSCRing[*workItem] // requests, from → to
	completed *pool.SPSCRing[*workItem] // responses, to → from

	from, to *reactor.Reactor

	tx senderStats

	// sender-side overflow: items that did not fit the pending ring
	txSpill *queue.Queue

	rx receiverStats

	// receiver-side responses awaiting a slot in the completed ring
	completedFifo []*workItem
}

func newMessageQueue(from, to *reactor.Reactor) *MessageQueue {
	return &MessageQueue{
		pending:   pool.NewSPSCRing[*workItem](queueLength),
		completed: pool.NewSPSCRing[*workItem](queueLength),
		from:      from,
		to:        to,
		txSpill:   queue.New(),
	}
}

// Stats returns the sender-side observability counters.
func (mq *MessageQueue) Stats() (sent, compl, queued uint64) {
	return mq.tx.sent, mq.tx.compl, mq.tx.currentQueueLength
}

// submitItem publishes one work item, spilling when the ring is full.
func (mq *MessageQueue) submitItem(wi *workItem) error {
	if mq.txSpill.Length() >= spillBudget {
		return api.ErrQueueFull
	}
	mq.tx.sent++
	mq.tx.currentQueueLength++
	mq.txSpill.Add(wi)
	mq.movePending()
	return nil
}

// movePending drains the spill deque into the ring, then wakes a
// sleeping receiver. Publish first, signal second: the receiver
// re-polls after raising its sleeping flag, so this order cannot lose
// a wakeup.
func (mq *MessageQueue) movePending() {
	moved := 0
	for mq.txSpill.Length() > 0 {
		wi := mq.txSpill.Peek().(*workItem)
		if !mq.pending.Enqueue(wi) {
			break
		}
		mq.txSpill.Remove()
		moved++
	}
	if moved > 0 {
		mq.tx.lastSentBatch = uint64(moved)
		mq.maybeWakeup(mq.to)
	}
}

func (mq *MessageQueue) maybeWakeup(r *reactor.Reactor) {
	if r.Sleeping() {
		r.Wakeup()
	}
}

// flushRequestBatch retries spilled items; sender side, once per tick.
func (mq *MessageQueue) flushRequestBatch() {
	if mq.txSpill.Length() > 0 {
		mq.movePending()
	}
}

// processIncoming runs up to a batch of requests on the receiver.
func (mq *MessageQueue) processIncoming() int {
	got := 0
	for got < batchSize {
		// Touch a couple of items ahead so their cache lines are warm
		// by the time they execute.
		mq.pending.Peek(prefetchCnt)
		wi, ok := mq.pending.Dequeue()
		if !ok {
			break
		}
		got++
		item := wi
		future.Consume(item.process(), func(api.Result[future.Unit]) {
			mq.respond(item)
		})
	}
	if got > 0 {
		mq.rx.received += uint64(got)
		mq.rx.lastRcvdBatch = uint64(got)
	}
	return got
}

// respond queues the finished item for the response ring, flushing
// eagerly once a batch accumulates.
func (mq *MessageQueue) respond(wi *workItem) {
	mq.completedFifo = append(mq.completedFifo, wi)
	if len(mq.completedFifo) >= batchSize {
		mq.flushResponseBatch()
	}
}

// flushResponseBatch publishes finished items back to the sender.
func (mq *MessageQueue) flushResponseBatch() {
	n := 0
	for n < len(mq.completedFifo) {
		if !mq.completed.Enqueue(mq.completedFifo[n]) {
			break
		}
		n++
	}
	if n > 0 {
		mq.completedFifo = mq.completedFifo[n:]
		mq.maybeWakeup(mq.from)
	}
}

// processCompletions resolves returned responses on the sender.
func (mq *MessageQueue) processCompletions() int {
	got := 0
	for got < batchSize {
		mq.completed.Peek(prefetchCnt)
		wi, ok := mq.completed.Dequeue()
		if !ok {
			break
		}
		got++
		wi.complete()
	}
	if got > 0 {
		mq.tx.compl += uint64(got)
		mq.tx.lastComplBatch = uint64(got)
		mq.tx.currentQueueLength -= uint64(got)
	}
	return got
}
