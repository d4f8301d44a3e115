package history

import (
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
)

// WriterHistory is the history of one writer. It assigns sequence numbers
// and applies the writer's history and resource limit QoS.
type WriterHistory struct {
	*History

	guid    rtps.GUID
	lastSeq rtps.SeqNum

	// onAdded tells the writer about a new unsent change; lock held.
	onAdded func(c *CacheChange)
}

func NewWriterHistory(guid rtps.GUID, cfg Config, log *zap.Logger) *WriterHistory {
	return &WriterHistory{
		History: New(cfg, log),
		guid:    guid,
	}
}

func (wh *WriterHistory) GUID() rtps.GUID {
	return wh.guid
}

// OnAdded registers the writer's notification for new changes.
func (wh *WriterHistory) OnAdded(fn func(c *CacheChange)) {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	wh.onAdded = fn
}

// NewChange reserves a change and fills it with payload.
func (wh *WriterHistory) NewChange(kind ChangeKind, inst rtps.InstanceHandle, payload []byte) (*CacheChange, bool) {
	c, ok := wh.Reserve(len(payload))
	if !ok {
		return nil, false
	}
	if !c.SetPayload(payload, wh.cfg.Pool.Policy != Preallocated) {
		wh.Release(c)
		return nil, false
	}
	c.Kind = kind
	c.Instance = inst
	c.WriterGUID = wh.guid
	return c, true
}

// LastSeqNumLocked is the sequence number of the newest change ever
// added, whether or not it is still held.
func (wh *WriterHistory) LastSeqNumLocked() rtps.SeqNum {
	return wh.lastSeq
}

// NextSeqNumLocked is what the next added change will be numbered.
func (wh *WriterHistory) NextSeqNumLocked() rtps.SeqNum {
	return wh.lastSeq + 1
}

func (wh *WriterHistory) AddChange(c *CacheChange) bool {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.AddChangeLocked(c)
}

// AddChangeLocked numbers c and appends it.
//
// With KEEP_LAST the oldest change of the instance, or of the whole
// history, is evicted to make room. With KEEP_ALL a full history or
// instance makes the add fail; the writer decides whether to free space
// and retry.
func (wh *WriterHistory) AddChangeLocked(c *CacheChange) bool {
	if c.WriterGUID != wh.guid {
		wh.log.Warn("change from another writer",
			zap.Stringer("writer", c.WriterGUID),
			zap.Stringer("history", wh.guid))
		return false
	}
	if !wh.makeRoomLocked(c.Instance) {
		return false
	}

	c.SeqNum = wh.lastSeq + 1
	if c.SourceTimestamp.IsZero() {
		c.SourceTimestamp = time.Now()
	}
	if !wh.History.AddChangeLocked(c) {
		return false
	}
	wh.lastSeq = c.SeqNum
	wh.log.Debug("change added",
		zap.Int64("seq", int64(c.SeqNum)),
		zap.Stringer("instance", c.Instance),
		zap.Int("bytes", len(c.Payload)))

	if wh.onAdded != nil {
		wh.onAdded(c)
	}
	return true
}

// IsFullLocked reports whether an add for inst would fail under KEEP_ALL.
func (wh *WriterHistory) IsFullLocked(inst rtps.InstanceHandle) bool {
	limits := wh.cfg.ResourceLimits
	if wh.isFullLocked(limits.MaxSamples) {
		return true
	}
	n := wh.InstanceLenLocked(inst)
	if n == 0 {
		return limits.MaxInstances > 0 && wh.InstanceCountLocked() >= int(limits.MaxInstances)
	}
	return limits.MaxSamplesPerInstance > 0 && n >= int(limits.MaxSamplesPerInstance)
}

func (wh *WriterHistory) makeRoomLocked(inst rtps.InstanceHandle) bool {
	limits := wh.cfg.ResourceLimits
	if wh.cfg.History.Kind == rtps.KeepAll {
		return !wh.IsFullLocked(inst)
	}

	depth := int(wh.cfg.History.Depth)
	if depth <= 0 {
		depth = 1
	}
	if wh.InstanceLenLocked(inst) == 0 && limits.MaxInstances > 0 &&
		wh.InstanceCountLocked() >= int(limits.MaxInstances) {
		return false
	}
	for wh.InstanceLenLocked(inst) >= depth {
		old, ok := wh.oldestOfInstanceLocked(inst)
		if !ok || !wh.RemoveChangeLocked(old.SeqNum, old.WriterGUID) {
			return false
		}
	}
	for wh.isFullLocked(limits.MaxSamples) {
		if !wh.RemoveMinChangeLocked() {
			return false
		}
	}
	return true
}
