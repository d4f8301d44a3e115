package endpoint

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/liamstask/go-rtps/internal/event"
	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

// Writer is a stateful RTPS writer. It keeps a ReaderProxy per matched
// reader, heartbeats reliable readers until they acknowledge everything,
// answers ACKNACK with DATA or GAP, and can also push to fixed reader
// locators without tracking them.
type Writer struct {
	cfg       WriterConfig
	guid      rtps.GUID
	hist      *history.WriterHistory
	listeners Listeners
	log       *zap.Logger
	warn      *logging.RateLimited

	group    *messageGroup
	limiter  *rate.Limiter
	fragSize int

	readers  map[rtps.GUID]*ReaderProxy
	locators []rtps.Locator // stateless destinations

	hbCount   uint32
	heartbeat *event.Timed
	flush     *event.Timed // resumes sending held back by the flow limit

	// closed and replaced whenever acknowledgments may have advanced
	ackedCh chan struct{}
	closed  bool
}

func NewWriter(cfg WriterConfig, sender Sender, listeners Listeners, log *zap.Logger) *Writer {
	if cfg.Times.HeartbeatPeriod <= 0 {
		cfg.Times.HeartbeatPeriod = DefaultWriterTimes().HeartbeatPeriod
	}
	log = logging.OrNop(log).With(zap.Stringer("writer", cfg.GUID))
	w := &Writer{
		cfg:       cfg,
		guid:      cfg.GUID,
		listeners: listeners,
		log:       log,
		warn:      logging.NewRateLimited(log, time.Second),
		group:     newMessageGroup(cfg.GUID.Prefix, cfg.maxMessageSize(), sender, log),
		fragSize:  cfg.fragmentSize(),
		readers:   make(map[rtps.GUID]*ReaderProxy),
		ackedCh:   make(chan struct{}),
	}
	w.hist = history.NewWriterHistory(cfg.GUID, cfg.historyConfig(), log)
	w.hist.OnAdded(w.changeAdded)
	w.hist.OnRemove(w.changeRemoved)
	w.heartbeat = event.NewTimed(cfg.Times.HeartbeatPeriod, w.periodicHeartbeat)
	w.flush = event.NewTimed(0, w.flushUnsent)
	if cfg.Throughput > 0 {
		burst := cfg.Throughput
		if burst < cfg.maxMessageSize() {
			burst = cfg.maxMessageSize()
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Throughput), burst)
	}
	return w
}

func (w *Writer) GUID() rtps.GUID {
	return w.guid
}

func (w *Writer) Config() WriterConfig {
	return w.cfg
}

func (w *Writer) History() *history.WriterHistory {
	return w.hist
}

func (w *Writer) reliable() bool {
	return w.cfg.Qos.Reliability.Kind == rtps.Reliable
}

// Write adds a change carrying payload and sends it to every matched
// reader. Under KEEP_ALL a full history blocks until acknowledgments free
// room or ctx is done. It returns the change's sequence number.
func (w *Writer) Write(ctx context.Context, kind history.ChangeKind, inst rtps.InstanceHandle, payload []byte) (rtps.SeqNum, bool) {
	c, ok := w.hist.NewChange(kind, inst, payload)
	if !ok {
		w.log.Debug("no change available", zap.Int("bytes", len(payload)))
		return 0, false
	}
	seq, ok := w.addChange(ctx, c)
	if !ok {
		w.hist.Release(c)
		return 0, false
	}
	return seq, true
}

// addChange waits for room in a full KEEP_ALL history at most the
// reliability max blocking time.
func (w *Writer) addChange(ctx context.Context, c *history.CacheChange) (rtps.SeqNum, bool) {
	var expired <-chan time.Time
	w.hist.Lock()
	defer w.hist.Unlock()
	for {
		if w.closed {
			return 0, false
		}
		if w.hist.AddChangeLocked(c) {
			return c.SeqNum, true
		}
		if w.cfg.Qos.History.Kind != rtps.KeepAll || !w.hist.IsFullLocked(c.Instance) {
			return 0, false
		}
		if w.removeAckedLocked(c.Instance) {
			continue
		}
		if d := w.cfg.Qos.Reliability.MaxBlockingTime; expired == nil && d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			expired = t.C
		}
		ch := w.ackedCh
		w.hist.Unlock()
		select {
		case <-ch:
			w.hist.Lock()
		case <-expired:
			w.hist.Lock()
			return 0, false
		case <-ctx.Done():
			w.hist.Lock()
			return 0, false
		}
	}
}

// removeAckedLocked frees room in a full KEEP_ALL history by dropping the
// oldest change, or the oldest of inst, if every reader acknowledged it.
func (w *Writer) removeAckedLocked(inst rtps.InstanceHandle) bool {
	limits := w.cfg.Qos.ResourceLimits
	total := limits.MaxSamples > 0 && w.hist.LenLocked() >= int(limits.MaxSamples)
	var victim *history.CacheChange
	w.hist.AscendLocked(func(c *history.CacheChange) bool {
		if total || c.Instance == inst {
			victim = c
			return false
		}
		return true
	})
	if victim == nil || !w.isAckedByAllLocked(victim.SeqNum) {
		return false
	}
	return w.hist.RemoveChangeLocked(victim.SeqNum, victim.WriterGUID)
}

// changeAdded runs inside WriterHistory.AddChangeLocked.
func (w *Writer) changeAdded(c *history.CacheChange) {
	if len(c.Payload) > w.fragSize {
		c.SetFragmentSize(uint16(w.fragSize), uint32(len(c.Payload)), false)
	}
	for _, rp := range w.readers {
		rp.addChange(changeForReader{seq: c.SeqNum, status: Unsent, relevant: true})
	}
	w.sendToLocatorsLocked(w.locators, c)
	w.sendUnsentLocked()
}

// changeRemoved runs for every change leaving the history.
func (w *Writer) changeRemoved(c *history.CacheChange) {
	for _, rp := range w.readers {
		rp.changeRemoved(c.SeqNum)
	}
	w.notifyAckedLocked()
}

func (w *Writer) suppressNacks() bool {
	return w.cfg.Times.NackSuppressionDuration > 0
}

func (w *Writer) sendUnsentLocked() {
	for _, rp := range w.readers {
		if !w.sendUnsentToLocked(rp) {
			return
		}
	}
}

// sendUnsentToLocked sends every unsent change to rp, as DATA when the
// change is relevant and still held and as GAP otherwise. It reports
// false if the flow limit held some back.
func (w *Writer) sendUnsentToLocked(rp *ReaderProxy) bool {
	if !rp.hasUnsent() {
		return true
	}
	w.group.begin(rp.GUID.Prefix, rp.locators())
	defer w.group.flush()

	var gaps []rtps.SeqNum
	sent := false
	throttled := false
	for i := range rp.changes {
		cr := &rp.changes[i]
		if cr.status != Unsent {
			continue
		}
		c, ok := w.hist.GetChangeLocked(cr.seq, w.guid)
		if !cr.relevant || !ok {
			gaps = append(gaps, cr.seq)
			rp.sent(cr, w.suppressNacks())
			continue
		}
		if !w.allow(len(c.Payload)) {
			throttled = true
			break
		}
		w.sendChangeLocked(c, rp.GUID.EntityID, cr.frags)
		rp.sent(cr, w.suppressNacks())
		sent = true
	}
	w.sendGapsLocked(rp.GUID.EntityID, gaps)

	if rp.reliable() && (sent || len(gaps) > 0) {
		// piggyback a heartbeat so the reader acknowledges promptly
		w.heartbeatLocked(rp.GUID.EntityID, false, false)
		w.heartbeat.Trigger()
		if w.suppressNacks() {
			rp.nackSuppression.Restart()
		}
	}
	rp.compact()
	return !throttled
}

// allow applies the flow limit to n bytes. When over the limit it arms
// the flush event for when the bytes will be available.
func (w *Writer) allow(n int) bool {
	if w.limiter == nil {
		return true
	}
	now := time.Now()
	r := w.limiter.ReserveN(now, n)
	if !r.OK() {
		// larger than the burst, let it through
		return true
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		w.flush.RestartAfter(d)
		return false
	}
	return true
}

func (w *Writer) flushUnsent() bool {
	w.hist.Lock()
	defer w.hist.Unlock()
	if !w.closed {
		w.sendUnsentLocked()
	}
	return false
}

func inlineQos(c *history.CacheChange) rtps.ParamList {
	var pl rtps.ParamList
	if !c.Instance.IsNil() {
		pl = append(pl, rtps.Param{PID: rtps.PID_KEY_HASH, Value: c.Instance[:]})
	}
	if c.Kind != history.Alive {
		pl = append(pl, rtps.Param{PID: rtps.PID_STATUS_INFO, Value: []byte{0, 0, 0, c.Kind.StatusInfo()}})
	}
	return pl
}

// sendChangeLocked adds c to the current group, as DATA or as one
// DATA_FRAG per fragment. frags limits which fragments go out.
func (w *Writer) sendChangeLocked(c *history.CacheChange, readerID rtps.EntityID, frags *rtps.FragNumSet) {
	qos := inlineQos(c)
	if c.FragmentCount() == 0 {
		d := rtps.Data{
			ReaderID:  readerID,
			WriterID:  w.guid.EntityID,
			SeqNum:    c.SeqNum,
			InlineQos: qos,
			Payload:   c.Payload,
			KeyOnly:   c.Kind != history.Alive,
		}
		w.group.addData(&d, c.SourceTimestamp)
		return
	}

	send := func(n uint32) {
		if n == 0 || n > c.FragmentCount() {
			return
		}
		df := rtps.DataFrag{
			ReaderID:      readerID,
			WriterID:      w.guid.EntityID,
			SeqNum:        c.SeqNum,
			FragStart:     n,
			FragsInSubmsg: 1,
			FragSize:      c.FragmentSize(),
			SampleSize:    uint32(len(c.Payload)),
			InlineQos:     qos,
			Fragments:     c.Fragment(n),
			KeyOnly:       c.Kind != history.Alive,
		}
		w.group.addDataFrag(&df, c.SourceTimestamp)
	}
	if frags != nil {
		frags.ForEach(send)
		return
	}
	for n := uint32(1); n <= c.FragmentCount(); n++ {
		send(n)
	}
}

// sendGapsLocked announces seqs, ascending, as one GAP per contiguous run.
func (w *Writer) sendGapsLocked(readerID rtps.EntityID, seqs []rtps.SeqNum) {
	for i := 0; i < len(seqs); {
		j := i
		for j+1 < len(seqs) && seqs[j+1] == seqs[j]+1 {
			j++
		}
		g := rtps.Gap{
			ReaderID: readerID,
			WriterID: w.guid.EntityID,
			Start:    seqs[i],
			List:     rtps.NewSeqNumSet(seqs[j] + 1),
		}
		w.group.addGap(&g)
		i = j + 1
	}
}

// seqRangeLocked is what a heartbeat announces. An empty history
// announces first = last + 1.
func (w *Writer) seqRangeLocked() (first, last rtps.SeqNum) {
	last = w.hist.LastSeqNumLocked()
	if c, ok := w.hist.MinChangeLocked(); ok {
		return c.SeqNum, last
	}
	return last + 1, last
}

func (w *Writer) heartbeatLocked(readerID rtps.EntityID, final, liveliness bool) {
	first, last := w.seqRangeLocked()
	w.hbCount++
	hb := rtps.Heartbeat{
		ReaderID:   readerID,
		WriterID:   w.guid.EntityID,
		First:      first,
		Last:       last,
		Count:      w.hbCount,
		Final:      final,
		Liveliness: liveliness,
	}
	w.group.addHeartbeat(&hb)
}

func (w *Writer) sendHeartbeatLocked(rp *ReaderProxy, final, liveliness bool) {
	w.group.begin(rp.GUID.Prefix, rp.locators())
	w.heartbeatLocked(rp.GUID.EntityID, final, liveliness)
	w.group.flush()
}

// periodicHeartbeat keeps running while some reliable reader has not
// acknowledged everything.
func (w *Writer) periodicHeartbeat() bool {
	w.hist.Lock()
	defer w.hist.Unlock()
	if w.closed {
		return false
	}
	again := false
	for _, rp := range w.readers {
		if rp.hasUnacknowledged() {
			again = true
			w.sendHeartbeatLocked(rp, false, false)
		}
	}
	return again
}

// AssertLiveliness sends a liveliness heartbeat to every reliable reader.
func (w *Writer) AssertLiveliness() {
	w.hist.Lock()
	defer w.hist.Unlock()
	for _, rp := range w.readers {
		if rp.reliable() {
			w.sendHeartbeatLocked(rp, true, true)
		}
	}
}

// ProcessAckNack applies an ACKNACK sent by the reader src:an.ReaderID.
func (w *Writer) ProcessAckNack(src rtps.GUIDPrefix, an *rtps.AckNack) {
	w.hist.Lock()
	defer w.hist.Unlock()
	if w.closed {
		return
	}
	rp, ok := w.readers[rtps.NewGUID(src, an.ReaderID)]
	if !ok {
		w.warn.Warn("acknack from unmatched reader",
			zap.Stringer("prefix", src), zap.Stringer("reader", an.ReaderID))
		return
	}
	if !rp.reliable() {
		return
	}
	if an.Count <= rp.lastAckNackCount {
		w.log.Debug("stale acknack", zap.Uint32("count", an.Count), zap.Stringer("reader", rp.GUID))
		return
	}
	rp.lastAckNackCount = an.Count

	last := w.hist.LastSeqNumLocked()
	base := an.State.Base
	if base > last+1 {
		w.warn.Warn("acknack beyond last sequence number",
			zap.Stringer("reader", rp.GUID),
			zap.Int64("base", int64(base)),
			zap.Int64("last", int64(last)))
		base = last + 1
	}
	acked := rp.ackedChangesSet(base)
	if rp.requestedChangesSet(&an.State, last) {
		w.scheduleResponseLocked(rp)
	} else if !an.Final {
		w.sendHeartbeatLocked(rp, true, false)
	}
	if acked {
		w.ackedLocked()
	}
}

// ProcessNackFrag applies a NACK_FRAG: the listed fragments are resent.
func (w *Writer) ProcessNackFrag(src rtps.GUIDPrefix, nf *rtps.NackFrag) {
	w.hist.Lock()
	defer w.hist.Unlock()
	if w.closed {
		return
	}
	rp, ok := w.readers[rtps.NewGUID(src, nf.ReaderID)]
	if !ok || !rp.reliable() {
		return
	}
	if nf.Count <= rp.lastNackFragCount {
		return
	}
	rp.lastNackFragCount = nf.Count
	if rp.requestedFragmentsSet(nf.SeqNum, nf.State) {
		w.scheduleResponseLocked(rp)
	}
}

func (w *Writer) scheduleResponseLocked(rp *ReaderProxy) {
	if w.cfg.Times.NackResponseDelay > 0 {
		rp.nackResponse.Trigger()
		return
	}
	w.acknackResponseLocked(rp)
}

func (w *Writer) acknackResponseLocked(rp *ReaderProxy) {
	if rp.acknackResponse() {
		w.sendUnsentToLocked(rp)
	}
}

// ackedLocked runs after acknowledgments advanced or a reader left.
// Volatile reliable writers drop what every reader has.
func (w *Writer) ackedLocked() {
	w.notifyAckedLocked()
	if w.reliable() && w.cfg.Qos.Durability == rtps.Volatile {
		w.cleanHistoryLocked()
	}
}

func (w *Writer) notifyAckedLocked() {
	close(w.ackedCh)
	w.ackedCh = make(chan struct{})
}

func (w *Writer) cleanHistoryLocked() {
	var done []rtps.SeqNum
	w.hist.AscendLocked(func(c *history.CacheChange) bool {
		if w.isAckedByAllLocked(c.SeqNum) {
			done = append(done, c.SeqNum)
		}
		return true
	})
	for _, seq := range done {
		w.hist.RemoveChangeLocked(seq, w.guid)
	}
}

func (w *Writer) isAckedByAllLocked(seq rtps.SeqNum) bool {
	for _, rp := range w.readers {
		if !rp.changeIsAcked(seq) {
			return false
		}
	}
	return true
}

// IsAckedByAll reports whether every matched reader acknowledged seq.
func (w *Writer) IsAckedByAll(seq rtps.SeqNum) bool {
	w.hist.Lock()
	defer w.hist.Unlock()
	return w.isAckedByAllLocked(seq)
}

func (w *Writer) allAckedLocked() bool {
	for _, rp := range w.readers {
		if rp.hasUnacknowledged() {
			return false
		}
	}
	return true
}

// WaitForAcknowledgments blocks until every matched reader acknowledged
// every change, or ctx is done. A reader unmatching counts as it having
// acknowledged.
func (w *Writer) WaitForAcknowledgments(ctx context.Context) bool {
	for {
		w.hist.Lock()
		done := w.allAckedLocked()
		closed := w.closed
		ch := w.ackedCh
		w.hist.Unlock()
		if done {
			return true
		}
		if closed {
			return false
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// MatchedReaderAdd starts tracking a reader. TRANSIENT_LOCAL writers
// replay their history to TRANSIENT_LOCAL readers; any other reader is
// sent a GAP for what is held so it starts at the next change.
func (w *Writer) MatchedReaderAdd(rr RemoteReader) bool {
	var p pending
	defer p.run()
	w.hist.Lock()
	defer w.hist.Unlock()

	if rr.GUID.IsUnknown() {
		w.log.Warn("reader without guid")
		return false
	}
	if _, ok := w.readers[rr.GUID]; ok || w.closed {
		return false
	}

	rp := newReaderProxy(rr)
	rp.nackResponse = event.NewTimed(w.cfg.Times.NackResponseDelay, func() bool {
		w.hist.Lock()
		defer w.hist.Unlock()
		if w.readers[rp.GUID] == rp {
			w.acknackResponseLocked(rp)
		}
		return false
	})
	rp.nackSuppression = event.NewTimed(w.cfg.Times.NackSuppressionDuration, func() bool {
		w.hist.Lock()
		defer w.hist.Unlock()
		rp.nackSuppressionExpired()
		return false
	})

	durable := w.cfg.Qos.Durability >= rtps.TransientLocal && rr.Durability >= rtps.TransientLocal
	if !durable && !rp.reliable() {
		rp.lowMark = w.hist.LastSeqNumLocked()
	} else {
		w.hist.AscendLocked(func(c *history.CacheChange) bool {
			rp.addChange(changeForReader{seq: c.SeqNum, status: Unsent, relevant: durable})
			return true
		})
	}
	w.readers[rr.GUID] = rp
	w.log.Info("reader matched",
		zap.Stringer("reader", rr.GUID),
		zap.Stringer("reliability", rr.Reliability),
		zap.Int("backlog", len(rp.changes)))
	w.listeners.matched(&p, MatchInfo{
		Status:       Matched,
		Local:        w.guid,
		Remote:       rr.GUID,
		CurrentCount: len(w.readers),
	})

	w.sendUnsentToLocked(rp)
	if rp.reliable() {
		w.heartbeat.Trigger()
	}
	return true
}

// MatchedReaderRemove stops tracking a reader. Changes it was holding
// back may now be acknowledged by all.
func (w *Writer) MatchedReaderRemove(guid rtps.GUID) bool {
	var p pending
	defer p.run()
	w.hist.Lock()
	defer w.hist.Unlock()

	rp, ok := w.readers[guid]
	if !ok {
		return false
	}
	delete(w.readers, guid)
	rp.close()
	if len(w.readers) == 0 {
		w.heartbeat.Cancel()
	}
	w.log.Info("reader unmatched", zap.Stringer("reader", guid))
	w.listeners.matched(&p, MatchInfo{
		Status:       Unmatched,
		Local:        w.guid,
		Remote:       guid,
		CurrentCount: len(w.readers),
	})
	w.ackedLocked()
	return true
}

func (w *Writer) MatchedReaderIsMatched(guid rtps.GUID) bool {
	w.hist.Lock()
	defer w.hist.Unlock()
	_, ok := w.readers[guid]
	return ok
}

// MatchedReaders lists matched reader GUIDs in order.
func (w *Writer) MatchedReaders() []rtps.GUID {
	w.hist.Lock()
	defer w.hist.Unlock()
	out := make([]rtps.GUID, 0, len(w.readers))
	for g := range w.readers {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ReaderLowMark is the highest sequence number guid acknowledged
// everything up to.
func (w *Writer) ReaderLowMark(guid rtps.GUID) (rtps.SeqNum, bool) {
	w.hist.Lock()
	defer w.hist.Unlock()
	rp, ok := w.readers[guid]
	if !ok {
		return 0, false
	}
	return rp.lowMark, true
}

// AddReaderLocator adds a fixed destination. Every new change is sent
// there best effort, with no acknowledgment tracking.
func (w *Writer) AddReaderLocator(loc rtps.Locator) {
	w.hist.Lock()
	defer w.hist.Unlock()
	w.locators = rtps.AppendUnique(w.locators, loc)
}

func (w *Writer) RemoveReaderLocator(loc rtps.Locator) {
	w.hist.Lock()
	defer w.hist.Unlock()
	for i, l := range w.locators {
		if l == loc {
			w.locators = append(w.locators[:i], w.locators[i+1:]...)
			return
		}
	}
}

func (w *Writer) ReaderLocators() []rtps.Locator {
	w.hist.Lock()
	defer w.hist.Unlock()
	return append([]rtps.Locator(nil), w.locators...)
}

// ResendHistory sends every held change to locs, or to the reader
// locators if locs is empty.
func (w *Writer) ResendHistory(locs ...rtps.Locator) {
	w.hist.Lock()
	defer w.hist.Unlock()
	if len(locs) == 0 {
		locs = w.locators
	}
	var cs []*history.CacheChange
	w.hist.AscendLocked(func(c *history.CacheChange) bool {
		cs = append(cs, c)
		return true
	})
	w.sendToLocatorsLocked(locs, cs...)
}

func (w *Writer) sendToLocatorsLocked(locs []rtps.Locator, cs ...*history.CacheChange) {
	if len(locs) == 0 || len(cs) == 0 {
		return
	}
	w.group.begin(rtps.UnknownGUIDPrefix, locs)
	for _, c := range cs {
		w.sendChangeLocked(c, rtps.EIDUnknown, nil)
	}
	w.group.flush()
}

// Close stops the writer's timers and fails pending and future writes.
func (w *Writer) Close() {
	w.hist.Lock()
	defer w.hist.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.heartbeat.Close()
	w.flush.Close()
	for _, rp := range w.readers {
		rp.close()
	}
	w.notifyAckedLocked()
}
