package history

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
)

type Config struct {
	Pool           PoolConfig
	PayloadMaxSize int
	History        rtps.HistoryQos
	ResourceLimits rtps.ResourceLimitsQos
}

// RemoveHook runs whenever a change leaves the history, before the change
// goes back to the pool. The history lock is held.
type RemoveHook func(c *CacheChange)

// History is an ordered collection of changes, sorted by sequence number
// and then writer GUID.
//
// One mutex guards the history and, by convention, the endpoint that owns
// it: writers and readers take Lock around multi-step protocol work and
// call the Locked variants. Methods without the suffix take the lock
// themselves.
type History struct {
	mu sync.Mutex

	cfg   Config
	pool  *Pool
	index *btree.BTreeG[*CacheChange]
	min   *CacheChange
	max   *CacheChange

	// changes held per instance
	instances map[rtps.InstanceHandle]int

	onRemove []RemoveHook
	log      *zap.Logger
}

func lessChange(a, b *CacheChange) bool {
	if a.SeqNum != b.SeqNum {
		return a.SeqNum < b.SeqNum
	}
	return a.WriterGUID.Less(b.WriterGUID)
}

func New(cfg Config, log *zap.Logger) *History {
	if cfg.PayloadMaxSize <= 0 {
		cfg.PayloadMaxSize = cfg.Pool.PayloadSize
	}
	if cfg.Pool.PayloadSize <= 0 {
		cfg.Pool.PayloadSize = cfg.PayloadMaxSize
	}
	return &History{
		cfg:       cfg,
		pool:      NewPool(cfg.Pool),
		index:     btree.NewG(16, lessChange),
		instances: make(map[rtps.InstanceHandle]int),
		log:       logging.OrNop(log),
	}
}

func (h *History) Lock()   { h.mu.Lock() }
func (h *History) Unlock() { h.mu.Unlock() }

func (h *History) Config() Config {
	return h.cfg
}

func (h *History) Pool() *Pool {
	return h.pool
}

// OnRemove registers a hook run for every removed change.
func (h *History) OnRemove(fn RemoveHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemove = append(h.onRemove, fn)
}

// Reserve draws a change able to hold size payload bytes from the pool.
func (h *History) Reserve(size int) (*CacheChange, bool) {
	if size > h.cfg.PayloadMaxSize && h.cfg.Pool.Policy == Preallocated {
		return nil, false
	}
	return h.pool.Reserve(size)
}

// Release hands a change that never made it into the history back to
// the pool.
func (h *History) Release(c *CacheChange) {
	h.pool.Release(c)
}

func (h *History) AddChange(c *CacheChange) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.AddChangeLocked(c)
}

// AddChangeLocked inserts c in order. It fails if the writer GUID is
// unset, if the payload is over the maximum under the preallocated policy,
// or if the same (sequence number, writer) is already present.
func (h *History) AddChangeLocked(c *CacheChange) bool {
	if c.WriterGUID.IsUnknown() {
		h.log.Warn("change without writer guid", zap.Int64("seq", int64(c.SeqNum)))
		return false
	}
	if len(c.Payload) > h.cfg.PayloadMaxSize && h.cfg.Pool.Policy == Preallocated {
		h.log.Warn("payload over maximum size",
			zap.Int("size", len(c.Payload)),
			zap.Int("max", h.cfg.PayloadMaxSize))
		return false
	}
	if _, dup := h.index.Get(c); dup {
		return false
	}
	h.index.ReplaceOrInsert(c)
	h.instances[c.Instance]++
	if h.min == nil || lessChange(c, h.min) {
		h.min = c
	}
	if h.max == nil || lessChange(h.max, c) {
		h.max = c
	}
	return true
}

func (h *History) RemoveChange(seq rtps.SeqNum, guid rtps.GUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.RemoveChangeLocked(seq, guid)
}

// RemoveChangeLocked removes the change identified by (seq, guid), runs
// the remove hooks and releases it to the pool.
func (h *History) RemoveChangeLocked(seq rtps.SeqNum, guid rtps.GUID) bool {
	c, ok := h.index.Delete(&CacheChange{SeqNum: seq, WriterGUID: guid})
	if !ok {
		h.log.Debug("remove of unknown change",
			zap.Int64("seq", int64(seq)),
			zap.Stringer("writer", guid))
		return false
	}
	h.removed(c)
	return true
}

func (h *History) removed(c *CacheChange) {
	if n := h.instances[c.Instance] - 1; n > 0 {
		h.instances[c.Instance] = n
	} else {
		delete(h.instances, c.Instance)
	}
	if c == h.min || c == h.max {
		h.min, _ = h.index.Min()
		h.max, _ = h.index.Max()
	}
	for _, fn := range h.onRemove {
		fn(c)
	}
	h.pool.Release(c)
}

func (h *History) RemoveChangesWithGUID(guid rtps.GUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.RemoveChangesWithGUIDLocked(guid)
}

// RemoveChangesWithGUIDLocked drops every change written by guid.
func (h *History) RemoveChangesWithGUIDLocked(guid rtps.GUID) int {
	var doomed []*CacheChange
	h.index.Ascend(func(c *CacheChange) bool {
		if c.WriterGUID == guid {
			doomed = append(doomed, c)
		}
		return true
	})
	for _, c := range doomed {
		h.index.Delete(c)
		h.removed(c)
	}
	return len(doomed)
}

// RemoveMinChangeLocked removes the oldest change.
func (h *History) RemoveMinChangeLocked() bool {
	if h.min == nil {
		return false
	}
	return h.RemoveChangeLocked(h.min.SeqNum, h.min.WriterGUID)
}

// RemoveAllLocked empties the history.
func (h *History) RemoveAllLocked() {
	for h.min != nil {
		h.RemoveMinChangeLocked()
	}
}

func (h *History) GetChange(seq rtps.SeqNum, guid rtps.GUID) (*CacheChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.GetChangeLocked(seq, guid)
}

func (h *History) GetChangeLocked(seq rtps.SeqNum, guid rtps.GUID) (*CacheChange, bool) {
	return h.index.Get(&CacheChange{SeqNum: seq, WriterGUID: guid})
}

// GetMinChangeFromLocked returns the lowest sequence number held for guid.
func (h *History) GetMinChangeFromLocked(guid rtps.GUID) (*CacheChange, bool) {
	var found *CacheChange
	h.index.Ascend(func(c *CacheChange) bool {
		if c.WriterGUID == guid {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

func (h *History) GetMinChangeFrom(guid rtps.GUID) (*CacheChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.GetMinChangeFromLocked(guid)
}

func (h *History) MinChangeLocked() (*CacheChange, bool) {
	return h.min, h.min != nil
}

func (h *History) MaxChangeLocked() (*CacheChange, bool) {
	return h.max, h.max != nil
}

func (h *History) MinChange() (*CacheChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MinChangeLocked()
}

func (h *History) MaxChange() (*CacheChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MaxChangeLocked()
}

func (h *History) LenLocked() int {
	return h.index.Len()
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index.Len()
}

// AscendLocked calls fn for every change in order until fn returns false.
func (h *History) AscendLocked(fn func(c *CacheChange) bool) {
	h.index.Ascend(fn)
}

// AscendFromLocked is AscendLocked starting at the first change with a
// sequence number of at least seq.
func (h *History) AscendFromLocked(seq rtps.SeqNum, fn func(c *CacheChange) bool) {
	h.index.AscendGreaterOrEqual(&CacheChange{SeqNum: seq}, fn)
}

// InstanceLenLocked is how many changes the history holds for an instance.
func (h *History) InstanceLenLocked(inst rtps.InstanceHandle) int {
	return h.instances[inst]
}

func (h *History) InstanceCountLocked() int {
	return len(h.instances)
}

// oldestOfInstanceLocked finds the lowest ordered change of inst.
func (h *History) oldestOfInstanceLocked(inst rtps.InstanceHandle) (*CacheChange, bool) {
	var found *CacheChange
	h.index.Ascend(func(c *CacheChange) bool {
		if c.Instance == inst {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// isFullLocked applies max_samples; values <= 0 mean unlimited.
func (h *History) isFullLocked(maxSamples int32) bool {
	return maxSamples > 0 && h.index.Len() >= int(maxSamples)
}
