package bridge

import (
	"sync"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

// EchoDepth is the number of recent transmissions remembered per interface.
const EchoDepth = 5

type echoRing struct {
	mu     sync.Mutex
	frames [EchoDepth]can.Frame
	used   [EchoDepth]bool
	next   int
}

// EchoTracker remembers the last EchoDepth frames transmitted on each bridged
// interface so the receive path can drop its own reflections.
type EchoTracker struct {
	rings [2]echoRing
}

// NewEchoTracker returns a tracker with empty rings.
func NewEchoTracker() *EchoTracker { return &EchoTracker{} }

func (t *EchoTracker) ring(i Interface) *echoRing {
	if !i.Bridged() {
		return nil
	}
	return &t.rings[i]
}

// Record stores a snapshot of fr as transmitted on iface, overwriting the
// oldest entry. Non-bridged interfaces are ignored.
func (t *EchoTracker) Record(iface Interface, fr can.Frame) {
	r := t.ring(iface)
	if r == nil {
		return
	}
	snap := fr.Normalize()
	r.mu.Lock()
	r.frames[r.next] = snap
	r.used[r.next] = true
	r.next = (r.next + 1) % EchoDepth
	r.mu.Unlock()
}

// IsEcho reports whether fr matches (id, len, payload) one of the recent
// transmissions on iface. Unknown interfaces are never echoes.
func (t *EchoTracker) IsEcho(iface Interface, fr can.Frame) bool {
	r := t.ring(iface)
	if r == nil {
		return false
	}
	want := fr.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.frames {
		if r.used[i] && r.frames[i] == want {
			return true
		}
	}
	return false
}

// Reset forgets every recorded transmission.
func (t *EchoTracker) Reset() {
	for i := range t.rings {
		r := &t.rings[i]
		r.mu.Lock()
		r.frames = [EchoDepth]can.Frame{}
		r.used = [EchoDepth]bool{}
		r.next = 0
		r.mu.Unlock()
	}
}
