package lifecycle

import "sync/atomic"

// Lifecycle is the key server's process state shared across handlers. It
// drives readiness draining during graceful shutdown and counts requests
// still waiting on the upstream.
type Lifecycle struct {
	draining atomic.Bool
	inFlight atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Begin marks one upstream request in flight; call the returned func when it
// completes.
func (l *Lifecycle) Begin() (done func()) {
	if l == nil {
		return func() {}
	}
	l.inFlight.Add(1)
	return func() { l.inFlight.Add(-1) }
}

func (l *Lifecycle) InFlight() int64 {
	if l == nil {
		return 0
	}
	return l.inFlight.Load()
}
