package endpoint

import (
	"sort"

	"github.com/liamstask/go-rtps/internal/event"
	"github.com/liamstask/go-rtps/rtps"
)

// ChangeStatus is where one change stands with one matched reader.
type ChangeStatus uint8

const (
	Unsent ChangeStatus = iota
	Requested
	Underway
	Unacknowledged
	Acknowledged
)

func (s ChangeStatus) String() string {
	switch s {
	case Unsent:
		return "unsent"
	case Requested:
		return "requested"
	case Underway:
		return "underway"
	case Unacknowledged:
		return "unacknowledged"
	case Acknowledged:
		return "acknowledged"
	}
	return "unknown"
}

type changeForReader struct {
	seq    rtps.SeqNum
	status ChangeStatus
	// irrelevant changes are announced with GAP instead of DATA
	relevant bool
	// fragments still to send; nil sends the whole change
	frags *rtps.FragNumSet
}

// ReaderProxy is a writer's view of one matched reader. All methods need
// the writer lock.
type ReaderProxy struct {
	RemoteReader

	// every sequence number up to lowMark is acknowledged
	lowMark rtps.SeqNum
	changes []changeForReader // ascending by seq, all above lowMark

	lastAckNackCount  uint32
	lastNackFragCount uint32

	nackResponse    *event.Timed
	nackSuppression *event.Timed
}

func newReaderProxy(rr RemoteReader) *ReaderProxy {
	return &ReaderProxy{RemoteReader: rr}
}

func (rp *ReaderProxy) reliable() bool {
	return rp.Reliability == rtps.Reliable
}

func (rp *ReaderProxy) locators() []rtps.Locator {
	return destinations(rp.Unicast, rp.Multicast)
}

func (rp *ReaderProxy) LowMark() rtps.SeqNum {
	return rp.lowMark
}

func (rp *ReaderProxy) search(seq rtps.SeqNum) int {
	return sort.Search(len(rp.changes), func(i int) bool { return rp.changes[i].seq >= seq })
}

func (rp *ReaderProxy) find(seq rtps.SeqNum) *changeForReader {
	i := rp.search(seq)
	if i < len(rp.changes) && rp.changes[i].seq == seq {
		return &rp.changes[i]
	}
	return nil
}

// addChange tracks a change for this reader. Changes already acknowledged
// are ignored.
func (rp *ReaderProxy) addChange(cr changeForReader) {
	if cr.seq <= rp.lowMark {
		return
	}
	i := rp.search(cr.seq)
	if i < len(rp.changes) && rp.changes[i].seq == cr.seq {
		rp.changes[i] = cr
		return
	}
	rp.changes = append(rp.changes, changeForReader{})
	copy(rp.changes[i+1:], rp.changes[i:])
	rp.changes[i] = cr
}

// ackedChangesSet records that the reader holds everything before seq.
// It reports whether the low mark advanced; a stale acknowledgment never
// moves it back.
func (rp *ReaderProxy) ackedChangesSet(seq rtps.SeqNum) bool {
	if seq-1 <= rp.lowMark {
		return false
	}
	rp.lowMark = seq - 1
	i := rp.search(seq)
	rp.changes = rp.changes[i:]
	return true
}

// requestedChangesSet marks every change the reader nacked as requested.
// Numbers it does not track, up to last, are added as irrelevant so they
// get a GAP. It reports whether anything is now requested.
func (rp *ReaderProxy) requestedChangesSet(set *rtps.SeqNumSet, last rtps.SeqNum) bool {
	requested := false
	set.ForEach(func(seq rtps.SeqNum) {
		if seq <= rp.lowMark || seq > last {
			return
		}
		cr := rp.find(seq)
		if cr == nil {
			rp.addChange(changeForReader{seq: seq, status: Requested})
			requested = true
			return
		}
		// nacks for changes still under suppression are ignored
		if cr.status == Unacknowledged || cr.status == Requested {
			cr.status = Requested
			cr.frags = nil
			requested = true
		}
	})
	return requested
}

// requestedFragmentsSet marks the given fragments of seq for resending.
func (rp *ReaderProxy) requestedFragmentsSet(seq rtps.SeqNum, frags rtps.FragNumSet) bool {
	cr := rp.find(seq)
	if cr == nil || !cr.relevant {
		return false
	}
	if cr.frags != nil && cr.status != Acknowledged {
		frags.ForEach(func(n uint32) { cr.frags.Add(n) })
	} else {
		f := frags
		cr.frags = &f
	}
	if cr.status != Unsent {
		cr.status = Requested
	}
	return true
}

// sent moves a change out of the unsent state. Changes to best effort
// readers count as acknowledged once sent.
func (rp *ReaderProxy) sent(cr *changeForReader, suppress bool) {
	cr.frags = nil
	switch {
	case !rp.reliable():
		cr.status = Acknowledged
	case suppress:
		cr.status = Underway
	default:
		cr.status = Unacknowledged
	}
}

// compact drops leading acknowledged changes, advancing the low mark.
func (rp *ReaderProxy) compact() {
	i := 0
	for i < len(rp.changes) && rp.changes[i].status == Acknowledged {
		if rp.changes[i].seq > rp.lowMark {
			rp.lowMark = rp.changes[i].seq
		}
		i++
	}
	rp.changes = rp.changes[i:]
}

func (rp *ReaderProxy) nackSuppressionExpired() {
	for i := range rp.changes {
		if rp.changes[i].status == Underway {
			rp.changes[i].status = Unacknowledged
		}
	}
}

// acknackResponse turns requested changes back into unsent ones. It
// reports whether there is anything to send.
func (rp *ReaderProxy) acknackResponse() bool {
	found := false
	for i := range rp.changes {
		if rp.changes[i].status == Requested {
			rp.changes[i].status = Unsent
			found = true
		}
	}
	return found
}

func (rp *ReaderProxy) hasUnsent() bool {
	for i := range rp.changes {
		if rp.changes[i].status == Unsent {
			return true
		}
	}
	return false
}

// changeRemoved handles a change leaving the writer history. A reader
// still owed it gets a GAP instead.
func (rp *ReaderProxy) changeRemoved(seq rtps.SeqNum) {
	i := rp.search(seq)
	if i == len(rp.changes) || rp.changes[i].seq != seq {
		return
	}
	if !rp.reliable() || rp.changes[i].status == Acknowledged {
		rp.changes = append(rp.changes[:i], rp.changes[i+1:]...)
		return
	}
	rp.changes[i].relevant = false
	rp.changes[i].frags = nil
}

// changeIsAcked reports whether the reader has seq or will never need it.
func (rp *ReaderProxy) changeIsAcked(seq rtps.SeqNum) bool {
	if !rp.reliable() || seq <= rp.lowMark {
		return true
	}
	cr := rp.find(seq)
	return cr == nil || !cr.relevant || cr.status == Acknowledged
}

func (rp *ReaderProxy) hasUnacknowledged() bool {
	if !rp.reliable() {
		return false
	}
	for i := range rp.changes {
		if rp.changes[i].relevant && rp.changes[i].status != Acknowledged {
			return true
		}
	}
	return false
}

func (rp *ReaderProxy) close() {
	if rp.nackResponse != nil {
		rp.nackResponse.Close()
	}
	if rp.nackSuppression != nil {
		rp.nackSuppression.Close()
	}
}
