package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("bus is closed")

// Handler processes one published message. Handlers for the same key are
// invoked strictly in publish order; handlers for different keys may run
// concurrently.
type Handler[T any] func(ctx context.Context, msg T)

// Bus is an in-process publish/subscribe channel. Every subscriber receives
// every published message at least once. Delivery is partitioned by the
// message key (device id): each subscriber owns a fixed set of mailbox
// goroutines and a message is enqueued on hash(key) % partitions, so
// per-key order matches publish order while distinct keys proceed in
// parallel. Publish never blocks the producer; mailboxes queue without
// bound and drain on Close.
type Bus[T any] struct {
	keyFn      func(T) string
	partitions int
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   []*subscriber[T]
	closed bool
}

type subscriber[T any] struct {
	name      string
	mailboxes []*mailbox[T]
}

type mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
}

func New[T any](logger *zap.Logger, keyFn func(T) string, partitions int) *Bus[T] {
	if partitions < 1 {
		partitions = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus[T]{
		keyFn:      keyFn,
		partitions: partitions,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a named handler and starts its mailbox goroutines.
func (b *Bus[T]) Subscribe(name string, handler Handler[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	sub := &subscriber[T]{name: name}
	for i := 0; i < b.partitions; i++ {
		mb := &mailbox[T]{}
		mb.cond = sync.NewCond(&mb.mu)
		sub.mailboxes = append(sub.mailboxes, mb)

		b.wg.Add(1)
		go b.run(mb, name, handler)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Publish enqueues msg for every subscriber and returns immediately.
func (b *Bus[T]) Publish(msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	idx := b.partition(b.keyFn(msg))
	for _, sub := range b.subs {
		sub.mailboxes[idx].push(msg)
	}
	return nil
}

// Close stops accepting publishes, drains every mailbox, then cancels the
// context handed to handlers.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		for _, mb := range sub.mailboxes {
			mb.close()
		}
	}
	b.wg.Wait()
	b.cancel()
}

func (b *Bus[T]) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *Bus[T]) run(mb *mailbox[T], name string, handler Handler[T]) {
	defer b.wg.Done()
	for {
		batch, ok := mb.take()
		if !ok {
			return
		}
		for _, msg := range batch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("subscriber panic",
							zap.String("subscriber", name),
							zap.Any("panic", r))
					}
				}()
				handler(b.ctx, msg)
			}()
		}
	}
}

func (mb *mailbox[T]) push(msg T) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()
	mb.cond.Signal()
}

// take blocks until messages are queued or the mailbox is closed and
// drained. It hands back the whole pending batch to keep lock churn low.
func (mb *mailbox[T]) take() ([]T, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.queue) == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if len(mb.queue) == 0 {
		return nil, false
	}
	batch := mb.queue
	mb.queue = nil
	return batch, true
}

func (mb *mailbox[T]) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.cond.Broadcast()
}
