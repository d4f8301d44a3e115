package history

import (
	"fmt"
	"sync"
)

type MemoryPolicy int

const (
	// Preallocated changes all carry a PayloadSize buffer. The pool grows
	// in batches up to MaxSize.
	Preallocated MemoryPolicy = iota
	// PreallocatedWithRealloc is Preallocated, but a change whose payload
	// outgrows its buffer gets a bigger one instead of failing.
	PreallocatedWithRealloc
	// Dynamic allocates one change per Reserve and drops it on Release.
	Dynamic
)

func (p MemoryPolicy) String() string {
	switch p {
	case Preallocated:
		return "preallocated"
	case PreallocatedWithRealloc:
		return "preallocated-realloc"
	case Dynamic:
		return "dynamic"
	}
	return "unknown"
}

func (p MemoryPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText reads the names String gives, so policies can be set in
// config files.
func (p *MemoryPolicy) UnmarshalText(b []byte) error {
	for _, c := range []MemoryPolicy{Preallocated, PreallocatedWithRealloc, Dynamic} {
		if string(b) == c.String() {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown memory policy %q", b)
}

type PoolConfig struct {
	Policy      MemoryPolicy `toml:"policy"`
	PayloadSize int          `toml:"payload_size"`
	InitialSize int          `toml:"initial_size"`
	MaxSize     int          `toml:"max_size"` // 0 is unbounded
}

// Pool hands out CacheChanges. Reserve never blocks: an exhausted pool
// reports false and the caller applies backpressure.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	free  []*CacheChange
	total int // changes created and not dropped
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxSize > 0 && cfg.InitialSize > cfg.MaxSize {
		cfg.InitialSize = cfg.MaxSize
	}
	p := &Pool{cfg: cfg}
	if cfg.Policy != Dynamic {
		p.grow(cfg.InitialSize)
	}
	return p
}

func (p *Pool) Config() PoolConfig {
	return p.cfg
}

func (p *Pool) grow(n int) {
	for i := 0; i < n; i++ {
		p.free = append(p.free, &CacheChange{Payload: make([]byte, 0, p.cfg.PayloadSize)})
	}
	p.total += n
}

// Reserve returns a reset change whose payload holds size bytes.
func (p *Pool) Reserve(size int) (*CacheChange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Policy == Dynamic {
		if p.cfg.MaxSize > 0 && p.total >= p.cfg.MaxSize {
			return nil, false
		}
		p.total++
		return &CacheChange{Payload: make([]byte, size)}, true
	}

	if size > p.cfg.PayloadSize && p.cfg.Policy == Preallocated {
		return nil, false
	}

	if len(p.free) == 0 {
		batch := p.total
		if batch == 0 {
			batch = 1
		}
		if p.cfg.MaxSize > 0 && p.total+batch > p.cfg.MaxSize {
			batch = p.cfg.MaxSize - p.total
		}
		if batch <= 0 {
			return nil, false
		}
		p.grow(batch)
	}

	c := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if size > cap(c.Payload) {
		c.Payload = make([]byte, size)
	}
	c.Payload = c.Payload[:size]
	return c, true
}

// Release resets c and returns it to the pool.
func (p *Pool) Release(c *CacheChange) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Policy == Dynamic {
		p.total--
		return
	}
	c.reset()
	p.free = append(p.free, c)
}

// Size is the number of changes the pool has created, reserved or free.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// FreeCount is the number of changes ready to be reserved without growing.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
