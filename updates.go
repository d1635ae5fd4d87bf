package chatsync

import (
	"context"
	"sync"
)

type queuedUpdate struct {
	callback func(UpdateKind)
	kind     UpdateKind
}

// updateQueue delivers session updates in order on its own goroutine. Queued
// updates never block the transport, so a callback may call back into the
// session, Close and Reconnect included.
type updateQueue struct {
	mu      sync.Mutex
	pending []queuedUpdate
	wake    chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{wake: make(chan struct{}, 1)}
}

// push queues kind for callback. A nil callback is ignored.
func (q *updateQueue) push(callback func(UpdateKind), kind UpdateKind) {
	if callback == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, queuedUpdate{callback: callback, kind: kind})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run delivers queued updates until ctx is done. deliver decides whether an
// update still reaches its callback.
func (q *updateQueue) run(ctx context.Context, deliver func(queuedUpdate)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, u := range batch {
			if ctx.Err() != nil {
				return
			}
			deliver(u)
		}
	}
}
