package endpoint

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/event"
	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

// Reader is a stateful RTPS reader. Changes from each matched writer are
// stored as they arrive, in any order, and handed to the application in
// sequence order once nothing before them is missing.
type Reader struct {
	cfg       ReaderConfig
	guid      rtps.GUID
	hist      *history.ReaderHistory
	listeners Listeners
	log       *zap.Logger
	warn      *logging.RateLimited

	group   *messageGroup
	writers map[rtps.GUID]*WriterProxy
	closed  bool
}

func NewReader(cfg ReaderConfig, sender Sender, listeners Listeners, log *zap.Logger) *Reader {
	log = logging.OrNop(log).With(zap.Stringer("reader", cfg.GUID))
	maxSize := cfg.MaxMessageSize
	if maxSize <= rtps.HeaderLen {
		maxSize = rtps.DefaultMaxMessageSize
	}
	return &Reader{
		cfg:       cfg,
		guid:      cfg.GUID,
		hist:      history.NewReaderHistory(cfg.historyConfig(), log),
		listeners: listeners,
		log:       log,
		warn:      logging.NewRateLimited(log, time.Second),
		group:     newMessageGroup(cfg.GUID.Prefix, maxSize, sender, log),
		writers:   make(map[rtps.GUID]*WriterProxy),
	}
}

func (r *Reader) GUID() rtps.GUID {
	return r.guid
}

func (r *Reader) Config() ReaderConfig {
	return r.cfg
}

func (r *Reader) History() *history.ReaderHistory {
	return r.hist
}

func (r *Reader) reliable() bool {
	return r.cfg.Qos.Reliability.Kind == rtps.Reliable
}

func (r *Reader) TakeNextSample() (history.Sample, bool) {
	return r.hist.TakeNextSample()
}

func (r *Reader) ReadNextSample() (history.Sample, bool) {
	return r.hist.ReadNextSample()
}

// WaitForUnreadMessage blocks until a sample can be taken or ctx is done.
func (r *Reader) WaitForUnreadMessage(ctx context.Context) bool {
	return r.hist.WaitForUnreadMessage(ctx)
}

// proxyLocked finds the proxy for a writer. Readers accepting unknown
// writers make up a best effort one.
func (r *Reader) proxyLocked(guid rtps.GUID) *WriterProxy {
	if wp, ok := r.writers[guid]; ok {
		return wp
	}
	if !r.cfg.AcceptUnknownWriters {
		r.log.Debug("data from unmatched writer", zap.Stringer("writer", guid))
		return nil
	}
	wp := newWriterProxy(RemoteWriter{GUID: guid, Reliability: rtps.BestEffort}, false)
	r.writers[guid] = wp
	return wp
}

// changeMeta reads the instance and kind a writer put in the inline qos.
func changeMeta(qos rtps.ParamList) (history.ChangeKind, rtps.InstanceHandle) {
	kind := history.Alive
	var inst rtps.InstanceHandle
	if p, ok := qos.Find(rtps.PID_KEY_HASH); ok && len(p.Value) >= len(inst) {
		copy(inst[:], p.Value)
	}
	if p, ok := qos.Find(rtps.PID_STATUS_INFO); ok && len(p.Value) >= 4 {
		kind = history.ChangeKindFromStatusInfo(p.Value[3])
	}
	return kind, inst
}

// ProcessData handles a DATA from the participant src. ts is the source
// timestamp in effect, zero if the message carried none.
func (r *Reader) ProcessData(src rtps.GUIDPrefix, d *rtps.Data, ts time.Time) {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()
	if r.closed {
		return
	}

	wp := r.proxyLocked(rtps.NewGUID(src, d.WriterID))
	if wp == nil {
		return
	}
	if !wp.isNew(d.SeqNum) {
		r.log.Debug("duplicate data", zap.Stringer("writer", wp.GUID), zap.Int64("seq", int64(d.SeqNum)))
		return
	}

	c, ok := r.hist.Reserve(len(d.Payload))
	if !ok {
		r.warn.Warn("no change available for data",
			zap.Stringer("writer", wp.GUID), zap.Int("bytes", len(d.Payload)))
		return
	}
	if !c.SetPayload(d.Payload, r.cfg.Pool.Policy != history.Preallocated) {
		r.hist.Release(c)
		r.warn.Warn("payload over maximum size",
			zap.Stringer("writer", wp.GUID), zap.Int("bytes", len(d.Payload)))
		return
	}
	c.Kind, c.Instance = changeMeta(d.InlineQos)
	c.WriterGUID = wp.GUID
	c.SeqNum = d.SeqNum
	c.SourceTimestamp = ts
	r.storeLocked(wp, c, &p)
}

// ProcessDataFrag collects fragments of a change outside the history and
// stores the change once it is complete.
func (r *Reader) ProcessDataFrag(src rtps.GUIDPrefix, df *rtps.DataFrag, ts time.Time) {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()
	if r.closed {
		return
	}

	wp := r.proxyLocked(rtps.NewGUID(src, df.WriterID))
	if wp == nil || !wp.isNew(df.SeqNum) {
		return
	}

	c, ok := wp.staged[df.SeqNum]
	if !ok {
		if df.SampleSize == 0 {
			r.warn.Warn("fragmented change without size", zap.Stringer("writer", wp.GUID))
			return
		}
		c, ok = r.hist.Reserve(int(df.SampleSize))
		if !ok {
			r.warn.Warn("no change available for fragments",
				zap.Stringer("writer", wp.GUID), zap.Uint32("bytes", df.SampleSize))
			return
		}
		c.Kind, c.Instance = changeMeta(df.InlineQos)
		c.WriterGUID = wp.GUID
		c.SeqNum = df.SeqNum
		c.SourceTimestamp = ts
		c.SetFragmentSize(df.FragSize, df.SampleSize, true)
		wp.staged[df.SeqNum] = c
	} else if c.FragmentSize() != df.FragSize || uint32(len(c.Payload)) != df.SampleSize {
		r.warn.Warn("fragment geometry changed",
			zap.Stringer("writer", wp.GUID), zap.Int64("seq", int64(df.SeqNum)))
		return
	}

	if !c.AddFragments(df.Fragments, df.FragStart, df.FragsInSubmsg) {
		r.warn.Warn("fragment rejected",
			zap.Stringer("writer", wp.GUID),
			zap.Int64("seq", int64(df.SeqNum)),
			zap.Uint32("start", df.FragStart),
			zap.Uint16("count", df.FragsInSubmsg))
		return
	}
	if !c.IsFullyAssembled() {
		return
	}
	delete(wp.staged, df.SeqNum)
	r.storeLocked(wp, c, &p)
}

// storeLocked hands a complete change to the history. A change the
// history refuses is not recorded as received, so a reliable writer
// will be asked for it again.
func (r *Reader) storeLocked(wp *WriterProxy, c *history.CacheChange, p *pending) {
	seq := c.SeqNum
	switch r.hist.ReceivedChangeLocked(c, wp.unknownMissingUpTo(seq)) {
	case history.Rejected:
		r.hist.Release(c)
		return
	case history.Superseded:
		r.hist.Release(c)
	}
	wp.receivedChange(seq)
	r.releaseStagedLocked(wp)
	r.deliverLocked(wp, p)
}

func (r *Reader) deliverLocked(wp *WriterProxy, p *pending) {
	if r.hist.MarkDeliverableLocked(wp.GUID, wp.lowMark) && r.listeners.Data != nil {
		l := r.listeners.Data
		p.add(func() { l.OnDataAvailable(r) })
	}
}

// releaseStagedLocked drops partial changes that can no longer be used.
func (r *Reader) releaseStagedLocked(wp *WriterProxy) {
	for seq, c := range wp.staged {
		if !wp.isNew(seq) {
			delete(wp.staged, seq)
			r.hist.Release(c)
		}
	}
}

// ProcessHeartbeat applies a HEARTBEAT. Stale heartbeats, by count, are
// ignored, so a replayed heartbeat never moves sequence state.
func (r *Reader) ProcessHeartbeat(src rtps.GUIDPrefix, hb *rtps.Heartbeat) {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()
	if r.closed {
		return
	}

	wp, ok := r.writers[rtps.NewGUID(src, hb.WriterID)]
	if !ok || !wp.matched {
		r.warn.Warn("heartbeat from unmatched writer",
			zap.Stringer("prefix", src), zap.Stringer("writer", hb.WriterID))
		return
	}
	if !wp.reliable() {
		return
	}
	if hb.Count <= wp.lastHeartbeatCount {
		r.log.Debug("stale heartbeat", zap.Stringer("writer", wp.GUID), zap.Uint32("count", hb.Count))
		return
	}
	wp.lastHeartbeatCount = hb.Count

	wp.lostChangesUpdate(hb.First)
	wp.missingChangesUpdate(hb.Last)
	r.releaseStagedLocked(wp)
	r.deliverLocked(wp, &p)

	if hb.Liveliness {
		r.listeners.liveliness(&p, LivelinessInfo{
			Reader:     r.guid,
			Writer:     wp.GUID,
			Alive:      true,
			AliveCount: r.matchedCountLocked(),
		})
	}
	if !hb.Final || (!hb.Liveliness && wp.hasMissing()) {
		r.scheduleAckNackLocked(wp)
	}
}

// ProcessGap marks the sequence numbers of a GAP as never to arrive.
func (r *Reader) ProcessGap(src rtps.GUIDPrefix, g *rtps.Gap) {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()
	if r.closed {
		return
	}

	wp, ok := r.writers[rtps.NewGUID(src, g.WriterID)]
	if !ok || !wp.matched || !wp.reliable() {
		return
	}
	wp.irrelevantRange(g.Start, g.List.Base)
	g.List.ForEach(func(seq rtps.SeqNum) {
		wp.receivedChange(seq)
	})
	r.releaseStagedLocked(wp)
	r.deliverLocked(wp, &p)
}

func (r *Reader) scheduleAckNackLocked(wp *WriterProxy) {
	if r.cfg.Times.HeartbeatResponseDelay > 0 {
		wp.heartbeatResponse.Trigger()
		return
	}
	r.sendAckNackLocked(wp, false)
}

// sendAckNackLocked acknowledges everything up to the proxy's low mark
// and requests what is missing beyond it, plus NACK_FRAG for partially
// received changes. A preemptive ACKNACK never sets the final flag, so
// the writer answers with a heartbeat.
func (r *Reader) sendAckNackLocked(wp *WriterProxy, preemptive bool) {
	state := wp.missing()
	wp.ackNackCount++
	an := rtps.AckNack{
		ReaderID: r.guid.EntityID,
		WriterID: wp.GUID.EntityID,
		State:    state,
		Count:    wp.ackNackCount,
		Final:    !preemptive && state.Empty() && len(wp.staged) == 0,
	}
	r.group.begin(wp.GUID.Prefix, wp.locators())
	r.group.addAckNack(&an)

	seqs := make([]rtps.SeqNum, 0, len(wp.staged))
	for seq := range wp.staged {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		frags := wp.staged[seq].MissingFragments()
		if frags.Base == 0 {
			continue
		}
		wp.nackFragCount++
		nf := rtps.NackFrag{
			ReaderID: r.guid.EntityID,
			WriterID: wp.GUID.EntityID,
			SeqNum:   seq,
			State:    frags,
			Count:    wp.nackFragCount,
		}
		r.group.addNackFrag(&nf)
	}
	r.group.flush()
}

func (r *Reader) matchedCountLocked() int {
	n := 0
	for _, wp := range r.writers {
		if wp.matched {
			n++
		}
	}
	return n
}

// MatchedWriterAdd starts tracking a writer. Reliable readers send a
// preemptive ACKNACK so the writer starts heartbeating.
func (r *Reader) MatchedWriterAdd(rw RemoteWriter) bool {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()

	if rw.GUID.IsUnknown() || r.closed {
		return false
	}
	if !r.reliable() {
		rw.Reliability = rtps.BestEffort
	}
	if wp, ok := r.writers[rw.GUID]; ok {
		if wp.matched {
			return false
		}
		// was an unknown writer, start over under the matched qos
		r.dropProxyLocked(wp)
	}

	wp := newWriterProxy(rw, true)
	if wp.reliable() {
		wp.heartbeatResponse = event.NewTimed(r.cfg.Times.HeartbeatResponseDelay, func() bool {
			r.hist.Lock()
			defer r.hist.Unlock()
			if r.writers[wp.GUID] == wp {
				r.sendAckNackLocked(wp, false)
			}
			return false
		})
		wp.initialAckNack = event.NewTimed(r.cfg.Times.InitialAckNackDelay, func() bool {
			r.hist.Lock()
			defer r.hist.Unlock()
			if r.writers[wp.GUID] == wp && wp.lastHeartbeatCount == 0 {
				r.sendAckNackLocked(wp, true)
			}
			return false
		})
	}
	r.writers[rw.GUID] = wp
	r.log.Info("writer matched", zap.Stringer("writer", rw.GUID), zap.Stringer("reliability", rw.Reliability))

	count := r.matchedCountLocked()
	r.listeners.matched(&p, MatchInfo{Status: Matched, Local: r.guid, Remote: rw.GUID, CurrentCount: count})
	r.listeners.liveliness(&p, LivelinessInfo{Reader: r.guid, Writer: rw.GUID, Alive: true, AliveCount: count})

	if wp.reliable() {
		if r.cfg.Times.InitialAckNackDelay > 0 {
			wp.initialAckNack.Restart()
		} else {
			r.sendAckNackLocked(wp, true)
		}
	}
	return true
}

func (r *Reader) dropProxyLocked(wp *WriterProxy) {
	delete(r.writers, wp.GUID)
	wp.close()
	for seq, c := range wp.staged {
		delete(wp.staged, seq)
		r.hist.Release(c)
	}
}

// MatchedWriterRemove stops tracking a writer. Changes already delivered
// stay in the history; changes waiting behind a hole are dropped.
func (r *Reader) MatchedWriterRemove(guid rtps.GUID) bool {
	var p pending
	defer p.run()
	r.hist.Lock()
	defer r.hist.Unlock()

	wp, ok := r.writers[guid]
	if !ok || !wp.matched {
		return false
	}
	r.dropProxyLocked(wp)
	n := r.hist.PurgeUndeliverableLocked(guid)
	r.log.Info("writer unmatched", zap.Stringer("writer", guid), zap.Int("dropped", n))

	count := r.matchedCountLocked()
	r.listeners.matched(&p, MatchInfo{Status: Unmatched, Local: r.guid, Remote: guid, CurrentCount: count})
	r.listeners.liveliness(&p, LivelinessInfo{Reader: r.guid, Writer: guid, Alive: false, AliveCount: count})
	return true
}

// ForgetWriter drops every trace of a writer, matched or not, including
// changes not yet taken. Used when its participant goes away.
func (r *Reader) ForgetWriter(guid rtps.GUID) int {
	r.hist.Lock()
	defer r.hist.Unlock()
	if wp, ok := r.writers[guid]; ok {
		r.dropProxyLocked(wp)
	}
	return r.hist.ForgetWriterLocked(guid)
}

func (r *Reader) MatchedWriterIsMatched(guid rtps.GUID) bool {
	r.hist.Lock()
	defer r.hist.Unlock()
	wp, ok := r.writers[guid]
	return ok && wp.matched
}

// MatchedWriters lists matched writer GUIDs in order.
func (r *Reader) MatchedWriters() []rtps.GUID {
	r.hist.Lock()
	defer r.hist.Unlock()
	var out []rtps.GUID
	for g, wp := range r.writers {
		if wp.matched {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Missing reports the sequence numbers the reader would request from
// guid right now.
func (r *Reader) Missing(guid rtps.GUID) (rtps.SeqNumSet, bool) {
	r.hist.Lock()
	defer r.hist.Unlock()
	wp, ok := r.writers[guid]
	if !ok {
		return rtps.SeqNumSet{}, false
	}
	return wp.missing(), true
}

// WriterLowMark is the sequence number up to which everything from guid
// was received or declared irrelevant.
func (r *Reader) WriterLowMark(guid rtps.GUID) (rtps.SeqNum, bool) {
	r.hist.Lock()
	defer r.hist.Unlock()
	wp, ok := r.writers[guid]
	if !ok {
		return 0, false
	}
	return wp.lowMark, true
}

func (r *Reader) Close() {
	r.hist.Lock()
	defer r.hist.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, wp := range r.writers {
		r.dropProxyLocked(wp)
	}
}
