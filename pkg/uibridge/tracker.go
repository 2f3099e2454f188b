package uibridge

import (
	"context"
	"sync"
)

// tracker keeps connected clients so shutdown can close them and wait.
type tracker struct {
	mu      sync.Mutex
	clients map[uint64]*trackedClient
	next    uint64
	wg      sync.WaitGroup
}

type trackedClient struct {
	cancel func()
	once   sync.Once
}

func newTracker() *tracker {
	return &tracker{clients: make(map[uint64]*trackedClient)}
}

func (t *tracker) register(cancel func()) (unregister func()) {
	entry := &trackedClient{cancel: cancel}

	t.mu.Lock()
	t.next++
	id := t.next
	t.clients[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() {
		entry.once.Do(func() {
			t.mu.Lock()
			delete(t.clients, id)
			t.mu.Unlock()
			t.wg.Done()
		})
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func (t *tracker) cancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.clients {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *tracker) wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
