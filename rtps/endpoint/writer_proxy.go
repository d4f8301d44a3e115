package endpoint

import (
	"github.com/google/btree"

	"github.com/liamstask/go-rtps/internal/event"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

// WriterProxy is a reader's view of one writer. All methods need the
// reader lock.
//
// Reliable proxies keep every sequence number up to lowMark received or
// known irrelevant, plus a sparse set of what arrived beyond it. Best
// effort proxies only remember the last sequence number taken.
type WriterProxy struct {
	RemoteWriter
	matched bool

	lowMark  rtps.SeqNum
	maxSeq   rtps.SeqNum                // highest sequence number known to exist
	received *btree.BTreeG[rtps.SeqNum] // above lowMark

	lastHeartbeatCount uint32
	ackNackCount       uint32
	nackFragCount      uint32

	// partially received fragmented changes, outside the history
	staged map[rtps.SeqNum]*history.CacheChange

	heartbeatResponse *event.Timed
	initialAckNack    *event.Timed
}

func newWriterProxy(rw RemoteWriter, matched bool) *WriterProxy {
	return &WriterProxy{
		RemoteWriter: rw,
		matched:      matched,
		received:     btree.NewOrderedG[rtps.SeqNum](8),
		staged:       make(map[rtps.SeqNum]*history.CacheChange),
	}
}

func (wp *WriterProxy) reliable() bool {
	return wp.Reliability == rtps.Reliable
}

func (wp *WriterProxy) locators() []rtps.Locator {
	return destinations(wp.Unicast, wp.Multicast)
}

// isNew reports whether a change with seq has not been seen yet.
func (wp *WriterProxy) isNew(seq rtps.SeqNum) bool {
	if seq <= wp.lowMark {
		return false
	}
	return !wp.reliable() || !wp.received.Has(seq)
}

// receivedChange records seq as received or irrelevant. It reports false
// for a duplicate.
func (wp *WriterProxy) receivedChange(seq rtps.SeqNum) bool {
	if !wp.isNew(seq) {
		return false
	}
	if seq > wp.maxSeq {
		wp.maxSeq = seq
	}
	if !wp.reliable() {
		wp.lowMark = seq
		return true
	}
	wp.received.ReplaceOrInsert(seq)
	wp.advance()
	return true
}

// unknownMissingUpTo counts the sequence numbers below seq that are
// neither received nor known irrelevant.
func (wp *WriterProxy) unknownMissingUpTo(seq rtps.SeqNum) int {
	if !wp.reliable() || seq <= wp.lowMark+1 {
		return 0
	}
	n := int(seq - wp.lowMark - 1)
	wp.received.AscendLessThan(seq, func(rtps.SeqNum) bool {
		n--
		return true
	})
	return n
}

func (wp *WriterProxy) advance() {
	for {
		next, ok := wp.received.Min()
		if !ok || next != wp.lowMark+1 {
			return
		}
		wp.received.DeleteMin()
		wp.lowMark = next
	}
}

// lostChangesUpdate marks everything before first irrelevant; the writer
// no longer holds it.
func (wp *WriterProxy) lostChangesUpdate(first rtps.SeqNum) {
	if first-1 <= wp.lowMark {
		return
	}
	wp.lowMark = first - 1
	for {
		lo, ok := wp.received.Min()
		if !ok || lo > wp.lowMark {
			break
		}
		wp.received.DeleteMin()
	}
	if wp.maxSeq < wp.lowMark {
		wp.maxSeq = wp.lowMark
	}
	wp.advance()
}

// missingChangesUpdate learns that the writer has sent up to last.
func (wp *WriterProxy) missingChangesUpdate(last rtps.SeqNum) {
	if last > wp.maxSeq {
		wp.maxSeq = last
	}
}

// irrelevantRange marks [from, to) as never to arrive. Only the first
// bitmap window beyond lowMark is recorded individually.
func (wp *WriterProxy) irrelevantRange(from, to rtps.SeqNum) {
	if from <= wp.lowMark+1 {
		wp.lostChangesUpdate(to)
		return
	}
	if limit := wp.lowMark + rtps.MaxSetBits + 1; to > limit {
		to = limit
	}
	for seq := from; seq < to; seq++ {
		wp.receivedChange(seq)
	}
}

// missing lists the sequence numbers between lowMark and maxSeq not yet
// received, as an ACKNACK state. Base is always lowMark+1. Changes being
// reassembled are asked for with NACK_FRAG instead.
func (wp *WriterProxy) missing() rtps.SeqNumSet {
	set := rtps.NewSeqNumSet(wp.lowMark + 1)
	for seq := wp.lowMark + 1; seq <= wp.maxSeq; seq++ {
		if wp.received.Has(seq) || wp.staged[seq] != nil {
			continue
		}
		if !set.Add(seq) {
			break
		}
	}
	return set
}

func (wp *WriterProxy) hasMissing() bool {
	return wp.maxSeq > wp.lowMark
}

func (wp *WriterProxy) LowMark() rtps.SeqNum {
	return wp.lowMark
}

func (wp *WriterProxy) close() {
	if wp.heartbeatResponse != nil {
		wp.heartbeatResponse.Close()
	}
	if wp.initialAckNack != nil {
		wp.initialAckNack.Close()
	}
}
