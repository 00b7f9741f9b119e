package credential

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolExhausted is returned by Next once every credential in the pool has
// been marked unusable.
var ErrPoolExhausted = errors.New("no usable credential")

// ErrEmptyPool is returned by NewPool when given no credentials.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool rotates over a fixed set of credentials in round-robin order. A
// credential that fails authentication is removed from rotation for the
// lifetime of the pool. All methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	creds    []Credential
	unusable []bool
	index    map[string][]int
	usable   int
	cursor   int
	allocs   []int
}

// NewPool creates a pool over creds in the given order.
func NewPool(creds []Credential) (*Pool, error) {
	if len(creds) == 0 {
		return nil, ErrEmptyPool
	}

	p := &Pool{
		creds:    append([]Credential(nil), creds...),
		unusable: make([]bool, len(creds)),
		index:    make(map[string][]int, len(creds)),
		usable:   len(creds),
		allocs:   make([]int, len(creds)),
	}
	for i, c := range p.creds {
		p.index[c.User] = append(p.index[c.User], i)
	}
	return p, nil
}

// Next returns the next usable credential in rotation.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usable == 0 {
		return Credential{}, ErrPoolExhausted
	}

	// At least one slot is usable, so the scan ends within len(creds) steps.
	for p.unusable[p.cursor] {
		p.cursor = (p.cursor + 1) % len(p.creds)
	}
	i := p.cursor
	p.cursor = (p.cursor + 1) % len(p.creds)
	p.allocs[i]++
	return p.creds[i], nil
}

// MarkUnusable trips the circuit breaker for every pool entry with the given
// user. It reports whether any entry changed state.
func (p *Pool) MarkUnusable(user string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for _, i := range p.index[user] {
		if p.unusable[i] {
			continue
		}
		p.unusable[i] = true
		p.usable--
		changed = true
	}
	if changed {
		slog.Warn("credential removed from rotation",
			"credential", user,
			"usable", p.usable,
			"size", len(p.creds),
		)
	}
	return changed
}

// Usable returns the number of credentials still in rotation.
func (p *Pool) Usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usable
}

// Size returns the number of credentials the pool was created with.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Allocations returns how many times each user has been handed out by Next.
func (p *Pool) Allocations() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.index))
	for i, c := range p.creds {
		out[c.User] += p.allocs[i]
	}
	return out
}
