package playback

import (
	"sync"
	"weak"
)

// Coordinator keeps weak references to every live Controller so that
// starting one pauses the rest. Controllers that were garbage collected
// without Close are pruned on the next claim.
type Coordinator struct {
	claimMu sync.Mutex

	mu      sync.Mutex
	next    uint64
	players map[uint64]weak.Pointer[Controller]
}

// Default is the process-wide coordinator for the output path.
var Default = NewCoordinator()

func NewCoordinator() *Coordinator {
	return &Coordinator{players: make(map[uint64]weak.Pointer[Controller])}
}

func (c *Coordinator) register(p *Controller) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.players[c.next] = weak.Make(p)
	return c.next
}

func (c *Coordinator) unregister(id uint64) {
	c.mu.Lock()
	delete(c.players, id)
	c.mu.Unlock()
}

// Claim pauses every controller other than p. It returns once they have
// released the output device. Callers must not hold their controller's
// state lock.
func (c *Coordinator) Claim(p *Controller) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	var others []*Controller
	c.mu.Lock()
	for id, wp := range c.players {
		other := wp.Value()
		if other == nil {
			delete(c.players, id)
			continue
		}
		if other != p {
			others = append(others, other)
		}
	}
	c.mu.Unlock()

	for _, o := range others {
		o.yield()
	}
}

// Len is the number of registered controllers still alive.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, wp := range c.players {
		if wp.Value() != nil {
			n++
		}
	}
	return n
}
