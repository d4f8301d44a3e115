package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

var (
	writerPrefix = rtps.GUIDPrefix{0xa, 1, 2, 3}
	readerPrefix = rtps.GUIDPrefix{0xb, 1, 2, 3}
	otherPrefix  = rtps.GUIDPrefix{0xc, 1, 2, 3}

	testWriterGUID = rtps.NewGUID(writerPrefix, 0x102)
	testReaderGUID = rtps.NewGUID(readerPrefix, 0x107)
	otherReader    = rtps.NewGUID(otherPrefix, 0x107)

	testLocator = rtps.NewMemoryLocator(1, 7411)
)

func testQos(rel rtps.ReliabilityKind, dur rtps.DurabilityKind, kind rtps.HistoryKind, depth int32) rtps.EndpointQos {
	q := rtps.DefaultWriterQos()
	q.Reliability.Kind = rel
	q.Durability = dur
	q.History = rtps.HistoryQos{Kind: kind, Depth: depth}
	return q
}

func testWriterConfig(q rtps.EndpointQos) WriterConfig {
	return WriterConfig{
		GUID:           testWriterGUID,
		Qos:            q,
		Pool:           history.PoolConfig{Policy: history.PreallocatedWithRealloc, PayloadSize: 64, InitialSize: 8},
		PayloadMaxSize: 4096,
		Times:          WriterTimes{HeartbeatPeriod: 10 * time.Millisecond},
	}
}

func testReaderConfig(guid rtps.GUID, q rtps.EndpointQos) ReaderConfig {
	return ReaderConfig{
		GUID:           guid,
		Qos:            q,
		Pool:           history.PoolConfig{Policy: history.PreallocatedWithRealloc, PayloadSize: 64, InitialSize: 8},
		PayloadMaxSize: 4096,
	}
}

func remoteReader(r *Reader) RemoteReader {
	q := r.Config().Qos
	return RemoteReader{
		GUID:        r.GUID(),
		Unicast:     []rtps.Locator{testLocator},
		Reliability: q.Reliability.Kind,
		Durability:  q.Durability,
	}
}

func remoteWriter(w *Writer) RemoteWriter {
	q := w.Config().Qos
	return RemoteWriter{
		GUID:        w.GUID(),
		Unicast:     []rtps.Locator{testLocator},
		Reliability: q.Reliability.Kind,
		Durability:  q.Durability,
	}
}

func payload(i int) []byte {
	return rtps.Encapsulate(rtps.SCHEME_CDR_LE, []byte{byte(i), byte(i >> 8), 0, 0})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func takeAll(r *Reader) []history.Sample {
	var out []history.Sample
	for {
		s, ok := r.TakeNextSample()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func sampleSeqs(ss []history.Sample) []rtps.SeqNum {
	var out []rtps.SeqNum
	for _, s := range ss {
		out = append(out, s.Info.SeqNum)
	}
	return out
}

// loopback carries messages between endpoints of one test. Delivery runs
// on its own goroutine, like a receive loop, so a handler that answers
// never re-enters an endpoint whose lock its caller holds.
type loopback struct {
	mu      sync.Mutex
	queue   [][]byte
	writers map[rtps.GUID]*Writer
	readers map[rtps.GUID]*Reader

	// drop, if set before traffic starts, filters submessages on the
	// delivery goroutine
	drop func(sm rtps.Submessage) bool

	wake chan struct{}
	quit chan struct{}
}

func newLoopback(t *testing.T) *loopback {
	lb := &loopback{
		writers: make(map[rtps.GUID]*Writer),
		readers: make(map[rtps.GUID]*Reader),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	go lb.run()
	t.Cleanup(func() { close(lb.quit) })
	return lb
}

func (lb *loopback) addWriter(w *Writer) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.writers[w.GUID()] = w
}

func (lb *loopback) addReader(r *Reader) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.readers[r.GUID()] = r
}

func (lb *loopback) Send(b []byte, locs []rtps.Locator) error {
	lb.mu.Lock()
	lb.queue = append(lb.queue, append([]byte(nil), b...))
	lb.mu.Unlock()
	select {
	case lb.wake <- struct{}{}:
	default:
	}
	return nil
}

func (lb *loopback) run() {
	for {
		select {
		case <-lb.quit:
			return
		case <-lb.wake:
		}
		for {
			lb.mu.Lock()
			if len(lb.queue) == 0 {
				lb.mu.Unlock()
				break
			}
			b := lb.queue[0]
			lb.queue = lb.queue[1:]
			lb.mu.Unlock()
			lb.dispatch(b)
		}
	}
}

func (lb *loopback) readersFor(dst rtps.GUIDPrefix, eid rtps.EntityID) []*Reader {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	var out []*Reader
	for g, r := range lb.readers {
		if (dst.IsUnknown() || g.Prefix == dst) && (eid == rtps.EIDUnknown || g.EntityID == eid) {
			out = append(out, r)
		}
	}
	return out
}

func (lb *loopback) writer(dst rtps.GUIDPrefix, eid rtps.EntityID) *Writer {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.writers[rtps.NewGUID(dst, eid)]
}

func (lb *loopback) dispatch(b []byte) {
	hdr, it, err := rtps.ParseMessage(b)
	if err != nil {
		return
	}
	src := hdr.GUIDPrefix
	var dst rtps.GUIDPrefix
	var ts time.Time
	for {
		sm, ok := it.Next()
		if !ok {
			return
		}
		if lb.drop != nil && lb.drop(sm) {
			continue
		}
		switch sm.Header.ID {
		case rtps.SUBMSG_ID_INFO_DST:
			if d, err := rtps.DecodeInfoDst(sm); err == nil {
				dst = d.GUIDPrefix
			}
		case rtps.SUBMSG_ID_INFO_TS:
			if its, err := rtps.DecodeInfoTS(sm); err == nil {
				ts = its.Timestamp
			}
		case rtps.SUBMSG_ID_DATA:
			d, err := rtps.DecodeData(sm)
			if err != nil {
				continue
			}
			for _, r := range lb.readersFor(dst, d.ReaderID) {
				r.ProcessData(src, &d, ts)
			}
		case rtps.SUBMSG_ID_DATA_FRAG:
			df, err := rtps.DecodeDataFrag(sm)
			if err != nil {
				continue
			}
			for _, r := range lb.readersFor(dst, df.ReaderID) {
				r.ProcessDataFrag(src, &df, ts)
			}
		case rtps.SUBMSG_ID_HEARTBEAT:
			hb, err := rtps.DecodeHeartbeat(sm)
			if err != nil {
				continue
			}
			for _, r := range lb.readersFor(dst, hb.ReaderID) {
				r.ProcessHeartbeat(src, &hb)
			}
		case rtps.SUBMSG_ID_GAP:
			g, err := rtps.DecodeGap(sm)
			if err != nil {
				continue
			}
			for _, r := range lb.readersFor(dst, g.ReaderID) {
				r.ProcessGap(src, &g)
			}
		case rtps.SUBMSG_ID_ACKNACK:
			an, err := rtps.DecodeAckNack(sm)
			if err != nil {
				continue
			}
			if w := lb.writer(dst, an.WriterID); w != nil {
				w.ProcessAckNack(src, &an)
			}
		case rtps.SUBMSG_ID_NACK_FRAG:
			nf, err := rtps.DecodeNackFrag(sm)
			if err != nil {
				continue
			}
			if w := lb.writer(dst, nf.WriterID); w != nil {
				w.ProcessNackFrag(src, &nf)
			}
		}
	}
}

// match wires w and r to each other over lb, reader side first.
func match(lb *loopback, w *Writer, r *Reader) {
	lb.addWriter(w)
	lb.addReader(r)
	r.MatchedWriterAdd(remoteWriter(w))
	w.MatchedReaderAdd(remoteReader(r))
}

// capture records what an endpoint sends without delivering it.
type capture struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *capture) Send(b []byte, locs []rtps.Locator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), b...))
	return nil
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

// submessages returns every captured submessage with the given id, in
// send order.
func (c *capture) submessages(t *testing.T, id uint8) []rtps.Submessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rtps.Submessage
	for _, b := range c.msgs {
		_, it, err := rtps.ParseMessage(b)
		if err != nil {
			t.Fatalf("captured message does not parse: %v", err)
		}
		for {
			sm, ok := it.Next()
			if !ok {
				break
			}
			if sm.Header.ID == id {
				out = append(out, sm)
			}
		}
	}
	return out
}

func (c *capture) ackNacks(t *testing.T) []rtps.AckNack {
	t.Helper()
	var out []rtps.AckNack
	for _, sm := range c.submessages(t, rtps.SUBMSG_ID_ACKNACK) {
		an, err := rtps.DecodeAckNack(sm)
		if err != nil {
			t.Fatalf("decode acknack: %v", err)
		}
		out = append(out, an)
	}
	return out
}

func (c *capture) dataSeqs(t *testing.T) []rtps.SeqNum {
	t.Helper()
	var out []rtps.SeqNum
	for _, sm := range c.submessages(t, rtps.SUBMSG_ID_DATA) {
		d, err := rtps.DecodeData(sm)
		if err != nil {
			t.Fatalf("decode data: %v", err)
		}
		out = append(out, d.SeqNum)
	}
	return out
}

func (c *capture) gapSeqs(t *testing.T) []rtps.SeqNum {
	t.Helper()
	var out []rtps.SeqNum
	for _, sm := range c.submessages(t, rtps.SUBMSG_ID_GAP) {
		g, err := rtps.DecodeGap(sm)
		if err != nil {
			t.Fatalf("decode gap: %v", err)
		}
		g.ForEach(func(seq rtps.SeqNum) { out = append(out, seq) })
	}
	return out
}

func (c *capture) heartbeats(t *testing.T) []rtps.Heartbeat {
	t.Helper()
	var out []rtps.Heartbeat
	for _, sm := range c.submessages(t, rtps.SUBMSG_ID_HEARTBEAT) {
		hb, err := rtps.DecodeHeartbeat(sm)
		if err != nil {
			t.Fatalf("decode heartbeat: %v", err)
		}
		out = append(out, hb)
	}
	return out
}
