// Package reqid implements the monotonic request-id generator: role
// determines parity so a client and a server talking to each other never
// collide on an id.
package reqid

import "sync"

// Role selects which parity an endpoint's generated ids use.
type Role int

const (
	// RoleClient-issued ids are odd.
	RoleClient Role = iota
	// RoleServer-issued ids are even.
	RoleServer
)

// Generator hands out request ids with a fixed parity. Each endpoint owns
// one Generator per role; a client and the server it talks to never
// collide on an id because they draw from disjoint parities rather than a
// shared counter.
type Generator struct {
	mu   sync.Mutex
	role Role
	next uint64
}

// New constructs a Generator for role, starting from the first id of the
// correct parity.
func New(role Role) *Generator {
	g := &Generator{role: role}
	g.next = g.firstValue()
	return g
}

func (g *Generator) firstValue() uint64 {
	if g.role == RoleClient {
		return 1
	}
	return 2
}

// Next returns the next id for this generator's role, skipping by two to
// preserve parity.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next += 2
	return id
}

// Reset returns the generator to its first value. Called when an endpoint
// fully stops; safe only because stop() also clears every pending and
// established table first, so no old id can still be in flight when the
// counter restarts.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = g.firstValue()
}
