package dispatch

import (
	"container/heap"
	"sync"

	"github.com/havenhub/haven/internal/models"
)

// commandQueue is a blocking priority queue: emergency dispatches before
// routine before background, FIFO by creation time within a priority class.
type commandQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  entryHeap
	seq    uint64
	closed bool
}

type entry struct {
	cmd *models.CommandLog
	seq uint64 // insertion order tiebreak for identical timestamps
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *commandQueue) push(cmd *models.CommandLog) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.items, entry{cmd: cmd, seq: q.seq})
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a command is available or the queue is closed.
func (q *commandQueue) pop() (*models.CommandLog, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.items).(entry)
	return e.cmd, true
}

func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	ri, rj := h[i].cmd.Priority.Rank(), h[j].cmd.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	if !h[i].cmd.CreatedAt.Equal(h[j].cmd.CreatedAt) {
		return h[i].cmd.CreatedAt.Before(h[j].cmd.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
