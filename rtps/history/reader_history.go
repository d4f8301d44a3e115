package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
)

// SampleInfo describes a sample handed to the application.
type SampleInfo struct {
	Kind            ChangeKind
	WriterGUID      rtps.GUID
	SeqNum          rtps.SeqNum
	Instance        rtps.InstanceHandle
	SourceTimestamp time.Time
	ReceptionTime   time.Time
}

type Sample struct {
	Data []byte
	Info SampleInfo
}

func sampleOf(c *CacheChange) Sample {
	return Sample{
		Data: append([]byte(nil), c.Payload...),
		Info: SampleInfo{
			Kind:            c.Kind,
			WriterGUID:      c.WriterGUID,
			SeqNum:          c.SeqNum,
			Instance:        c.Instance,
			SourceTimestamp: c.SourceTimestamp,
			ReceptionTime:   c.ReceptionTime,
		},
	}
}

// ReaderHistory is the history of one reader. Changes from a writer may be
// stored out of order, but only become visible to Take and Read once the
// reader marks them deliverable, which it does as the writer's sequence
// numbers fill in.
type ReaderHistory struct {
	*History

	// highest deliverable sequence number per writer
	deliverable map[rtps.GUID]rtps.SeqNum

	// closed and replaced whenever new changes become deliverable
	unreadCh chan struct{}
}

func NewReaderHistory(cfg Config, log *zap.Logger) *ReaderHistory {
	rh := &ReaderHistory{
		History:     New(cfg, log),
		deliverable: make(map[rtps.GUID]rtps.SeqNum),
		unreadCh:    make(chan struct{}),
	}
	return rh
}

// Admission is the outcome of offering a received change to a reader
// history.
type Admission int

const (
	// Rejected changes found no room; a reliable writer sends them again.
	Rejected Admission = iota
	Stored
	// Superseded changes are older than every change kept for their
	// instance. They count as received but the history does not keep them.
	Superseded
)

func (a Admission) String() string {
	switch a {
	case Rejected:
		return "rejected"
	case Stored:
		return "stored"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("Admission(%d)", int(a))
}

// ReceivedChangeLocked offers a change that arrived from the network. The
// history owns c only when the result is Stored.
//
// missing is the number of changes from the same writer that precede c and
// have not arrived yet. KEEP_ALL keeps room for them, so changes stored
// ahead of a hole can never crowd out the change that fills it. KEEP_LAST
// evicts the oldest change of the instance once depth is reached, unless c
// is older still.
func (rh *ReaderHistory) ReceivedChangeLocked(c *CacheChange, missing int) Admission {
	limits := rh.cfg.ResourceLimits
	inst := c.Instance
	n := rh.InstanceLenLocked(inst)

	if n == 0 && limits.MaxInstances > 0 && rh.InstanceCountLocked() >= int(limits.MaxInstances) {
		rh.log.Debug("instance limit reached", zap.Stringer("instance", inst))
		return Rejected
	}

	if rh.cfg.History.Kind == rtps.KeepAll {
		if (limits.MaxSamples > 0 && rh.LenLocked()+missing >= int(limits.MaxSamples)) ||
			(limits.MaxSamplesPerInstance > 0 && n+missing >= int(limits.MaxSamplesPerInstance)) {
			rh.log.Debug("history full, change rejected",
				zap.Int64("seq", int64(c.SeqNum)),
				zap.Stringer("writer", c.WriterGUID),
				zap.Int("missing", missing))
			return Rejected
		}
	} else {
		depth := int(rh.cfg.History.Depth)
		if depth <= 0 {
			depth = 1
		}
		if n >= depth {
			if old, ok := rh.oldestOfInstanceLocked(inst); ok && lessChange(c, old) {
				return Superseded
			}
		}
		for rh.InstanceLenLocked(inst) >= depth {
			old, ok := rh.oldestOfInstanceLocked(inst)
			if !ok || !rh.RemoveChangeLocked(old.SeqNum, old.WriterGUID) {
				return Rejected
			}
		}
		for rh.isFullLocked(limits.MaxSamples) {
			if !rh.RemoveMinChangeLocked() {
				return Rejected
			}
		}
	}

	if c.ReceptionTime.IsZero() {
		c.ReceptionTime = time.Now()
	}
	if !rh.AddChangeLocked(c) {
		return Rejected
	}
	if rh.isDeliverable(c) {
		rh.notifyLocked()
	}
	return Stored
}

func (rh *ReaderHistory) notifyLocked() {
	close(rh.unreadCh)
	rh.unreadCh = make(chan struct{})
}

// MarkDeliverableLocked makes every change of guid up to seq visible to
// the application. It reports whether that exposed unread changes.
func (rh *ReaderHistory) MarkDeliverableLocked(guid rtps.GUID, seq rtps.SeqNum) bool {
	prev := rh.deliverable[guid]
	if seq <= prev {
		return false
	}
	rh.deliverable[guid] = seq
	exposed := false
	rh.AscendFromLocked(prev+1, func(c *CacheChange) bool {
		if c.SeqNum > seq {
			return false
		}
		if c.WriterGUID == guid && !c.IsRead {
			exposed = true
			return false
		}
		return true
	})
	if exposed {
		rh.notifyLocked()
	}
	return exposed
}

// ForgetWriterLocked drops a writer's changes and delivery state, as on
// unmatch.
func (rh *ReaderHistory) ForgetWriterLocked(guid rtps.GUID) int {
	delete(rh.deliverable, guid)
	return rh.RemoveChangesWithGUIDLocked(guid)
}

// PurgeUndeliverableLocked drops the changes of guid that were stored
// ahead of a hole and can no longer become deliverable. Delivered ones
// stay until taken.
func (rh *ReaderHistory) PurgeUndeliverableLocked(guid rtps.GUID) int {
	limit := rh.deliverable[guid]
	var doomed []*CacheChange
	rh.AscendFromLocked(limit+1, func(c *CacheChange) bool {
		if c.WriterGUID == guid {
			doomed = append(doomed, c)
		}
		return true
	})
	for _, c := range doomed {
		rh.RemoveChangeLocked(c.SeqNum, c.WriterGUID)
	}
	return len(doomed)
}

func (rh *ReaderHistory) isDeliverable(c *CacheChange) bool {
	return c.SeqNum <= rh.deliverable[c.WriterGUID]
}

func (rh *ReaderHistory) nextUnreadLocked() (*CacheChange, bool) {
	var found *CacheChange
	rh.AscendLocked(func(c *CacheChange) bool {
		if !c.IsRead && rh.isDeliverable(c) {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

func (rh *ReaderHistory) hasUnreadLocked() bool {
	_, ok := rh.nextUnreadLocked()
	return ok
}

// UnreadCount is the number of deliverable changes not yet read or taken.
func (rh *ReaderHistory) UnreadCount() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	n := 0
	rh.AscendLocked(func(c *CacheChange) bool {
		if !c.IsRead && rh.isDeliverable(c) {
			n++
		}
		return true
	})
	return n
}

// TakeNextSample removes the oldest unread deliverable change and returns
// a copy of it.
func (rh *ReaderHistory) TakeNextSample() (Sample, bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	c, ok := rh.nextUnreadLocked()
	if !ok {
		return Sample{}, false
	}
	s := sampleOf(c)
	rh.RemoveChangeLocked(c.SeqNum, c.WriterGUID)
	return s, true
}

// ReadNextSample returns a copy of the oldest unread deliverable change
// and marks it read, leaving it in the history.
func (rh *ReaderHistory) ReadNextSample() (Sample, bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	c, ok := rh.nextUnreadLocked()
	if !ok {
		return Sample{}, false
	}
	c.IsRead = true
	return sampleOf(c), true
}

// Samples returns copies of every deliverable change, read or not, in
// history order.
func (rh *ReaderHistory) Samples() []Sample {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	var out []Sample
	rh.AscendLocked(func(c *CacheChange) bool {
		if rh.isDeliverable(c) {
			out = append(out, sampleOf(c))
		}
		return true
	})
	return out
}

// WaitForUnreadMessage blocks until an unread change is deliverable or ctx
// is done. It reports whether one is available.
func (rh *ReaderHistory) WaitForUnreadMessage(ctx context.Context) bool {
	for {
		rh.mu.Lock()
		if rh.hasUnreadLocked() {
			rh.mu.Unlock()
			return true
		}
		ch := rh.unreadCh
		rh.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}
