package gateway

import "sync"

// Identity is the (port, client id) pair a gateway instance binds to.
// Across all non-stopped instances every pair is distinct.
type Identity struct {
	Port     int
	ClientID int
}

// identityPool hands out identities from a fixed range. Slot i maps to
// (basePort+i, clientIDBase+i), scanned lowest port first, so allocation
// is deterministic. All operations happen under one mutex: this is the
// single global critical section of the resource manager, entered only
// for the duration of the allocation decision.
type identityPool struct {
	mu           sync.Mutex
	basePort     int
	count        int
	clientIDBase int
	reserved     map[Identity]uint // identity -> follower id holding it
}

func newIdentityPool(basePort, count, clientIDBase int) *identityPool {
	return &identityPool{
		basePort:     basePort,
		count:        count,
		clientIDBase: clientIDBase,
		reserved:     make(map[Identity]uint),
	}
}

// Allocate reserves the first free identity for the follower. It fails
// with ErrResourceExhausted when every slot is taken.
func (p *identityPool) Allocate(followerID uint) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.count; i++ {
		id := Identity{Port: p.basePort + i, ClientID: p.clientIDBase + i}
		if _, taken := p.reserved[id]; !taken {
			p.reserved[id] = followerID
			return id, nil
		}
	}
	return Identity{}, ErrResourceExhausted
}

// Release returns an identity to the free pool. Releasing an identity
// that is not reserved is a no-op.
func (p *identityPool) Release(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, id)
}

// Free reports the number of unreserved slots.
func (p *identityPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count - len(p.reserved)
}
