package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/history"
)

type localWriter struct {
	data WriterProxyData
	ep   *endpoint.Writer
}

type localReader struct {
	data ReaderProxyData
	ep   *endpoint.Reader
}

// EDP runs the simple endpoint discovery protocol: local endpoints are
// published on two reliable, transient local topics and remote ones are
// matched against them as they arrive.
//
// Endpoint calls that follow from a table change are collected under mu
// and made after it is released, so match listeners may call back in.
type EDP struct {
	cfg BuiltinConfig
	log *zap.Logger

	pubWriter, subWriter *endpoint.Writer
	pubReader, subReader *endpoint.Reader

	mu            sync.Mutex
	warn          *logging.RateLimited
	participants  map[rtps.GUIDPrefix]ParticipantProxyData
	localWriters  map[rtps.GUID]*localWriter
	localReaders  map[rtps.GUID]*localReader
	remoteWriters map[rtps.GUID]WriterProxyData
	remoteReaders map[rtps.GUID]ReaderProxyData
}

func NewEDP(cfg BuiltinConfig, sender endpoint.Sender, log *zap.Logger) *EDP {
	log = logging.OrNop(log).Named("edp")
	e := &EDP{
		cfg:           cfg,
		log:           log,
		warn:          logging.NewRateLimited(log, time.Second),
		participants:  make(map[rtps.GUIDPrefix]ParticipantProxyData),
		localWriters:  make(map[rtps.GUID]*localWriter),
		localReaders:  make(map[rtps.GUID]*localReader),
		remoteWriters: make(map[rtps.GUID]WriterProxyData),
		remoteReaders: make(map[rtps.GUID]ReaderProxyData),
	}
	e.pubWriter = cfg.newWriter(rtps.SEDPPubWriterID, rtps.Reliable, sender, log)
	e.subWriter = cfg.newWriter(rtps.SEDPSubWriterID, rtps.Reliable, sender, log)
	e.pubReader = cfg.newReader(rtps.SEDPPubReaderID, rtps.Reliable, sender, e.onPublications, log)
	e.subReader = cfg.newReader(rtps.SEDPSubReaderID, rtps.Reliable, sender, e.onSubscriptions, log)
	return e
}

func (e *EDP) Writers() []*endpoint.Writer { return []*endpoint.Writer{e.pubWriter, e.subWriter} }
func (e *EDP) Readers() []*endpoint.Reader { return []*endpoint.Reader{e.pubReader, e.subReader} }

type actions []func()

func (a *actions) add(fn func()) { *a = append(*a, fn) }

func (a *actions) run() {
	for _, fn := range *a {
		fn()
	}
}

// participantLocked returns the data of any known participant, the local
// one included.
func (e *EDP) participantLocked(prefix rtps.GUIDPrefix) (ParticipantProxyData, bool) {
	if prefix == e.cfg.Local.GUIDPrefix {
		return e.cfg.Local, true
	}
	d, ok := e.participants[prefix]
	return d, ok
}

// locatorsLocked falls back to the participant's default locators when
// an endpoint announces none of its own.
func (e *EDP) locatorsLocked(info *EndpointInfo) ([]rtps.Locator, []rtps.Locator) {
	if len(info.Unicast) > 0 || len(info.Multicast) > 0 {
		return info.Unicast, info.Multicast
	}
	pd, _ := e.participantLocked(info.GUID.Prefix)
	return pd.DefaultUnicast, pd.DefaultMulticast
}

func (e *EDP) remoteReaderLocked(r *ReaderProxyData) endpoint.RemoteReader {
	uc, mc := e.locatorsLocked(&r.EndpointInfo)
	return endpoint.RemoteReader{
		GUID:             r.GUID,
		Unicast:          uc,
		Multicast:        mc,
		Reliability:      r.Qos.Reliability.Kind,
		Durability:       r.Qos.Durability,
		ExpectsInlineQos: r.ExpectsInlineQos,
	}
}

func (e *EDP) remoteWriterLocked(w *WriterProxyData) endpoint.RemoteWriter {
	uc, mc := e.locatorsLocked(&w.EndpointInfo)
	return endpoint.RemoteWriter{
		GUID:        w.GUID,
		Unicast:     uc,
		Multicast:   mc,
		Reliability: w.Qos.Reliability.Kind,
		Durability:  w.Qos.Durability,
	}
}

// pairLocked matches or unmatches w and r on whichever sides are local.
func (e *EDP) pairLocked(acts *actions, w *WriterProxyData, r *ReaderProxyData, lw *endpoint.Writer, lr *endpoint.Reader) {
	if err := Match(w, r); err != nil {
		if w.Topic == r.Topic {
			e.log.Info("endpoints do not match",
				zap.Stringer("writer", w.GUID), zap.Stringer("reader", r.GUID), zap.Error(err))
		}
		wg, rg := w.GUID, r.GUID
		if lw != nil {
			acts.add(func() { lw.MatchedReaderRemove(rg) })
		}
		if lr != nil {
			acts.add(func() { lr.MatchedWriterRemove(wg) })
		}
		return
	}
	if lw != nil {
		rr := e.remoteReaderLocked(r)
		acts.add(func() { lw.MatchedReaderAdd(rr) })
	}
	if lr != nil {
		rw := e.remoteWriterLocked(w)
		acts.add(func() { lr.MatchedWriterAdd(rw) })
	}
}

// RegisterWriter publishes a local writer and matches it with every
// known reader. Registering again updates the announced data.
func (e *EDP) RegisterWriter(data WriterProxyData, w *endpoint.Writer) error {
	var acts actions
	e.mu.Lock()
	e.localWriters[data.GUID] = &localWriter{data: data, ep: w}
	for _, lr := range e.localReaders {
		e.pairLocked(&acts, &data, &lr.data, w, lr.ep)
	}
	for _, rr := range e.remoteReaders {
		e.pairLocked(&acts, &data, &rr, w, nil)
	}
	e.mu.Unlock()
	acts.run()

	if _, ok := e.pubWriter.Write(context.Background(), history.Alive, data.GUID.InstanceHandle(), data.Marshal()); !ok {
		return fmt.Errorf("publishing writer %v failed", data.GUID)
	}
	return nil
}

func (e *EDP) RegisterReader(data ReaderProxyData, r *endpoint.Reader) error {
	var acts actions
	e.mu.Lock()
	e.localReaders[data.GUID] = &localReader{data: data, ep: r}
	for _, lw := range e.localWriters {
		e.pairLocked(&acts, &lw.data, &data, lw.ep, r)
	}
	for _, rw := range e.remoteWriters {
		e.pairLocked(&acts, &rw, &data, nil, r)
	}
	e.mu.Unlock()
	acts.run()

	if _, ok := e.subWriter.Write(context.Background(), history.Alive, data.GUID.InstanceHandle(), data.Marshal()); !ok {
		return fmt.Errorf("publishing reader %v failed", data.GUID)
	}
	return nil
}

// UnregisterWriter unmatches a local writer from the local readers and
// tells remote participants it is gone.
func (e *EDP) UnregisterWriter(guid rtps.GUID) bool {
	var acts actions
	e.mu.Lock()
	if _, ok := e.localWriters[guid]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.localWriters, guid)
	for _, lr := range e.localReaders {
		ep := lr.ep
		acts.add(func() { ep.MatchedWriterRemove(guid) })
	}
	e.mu.Unlock()
	acts.run()

	e.pubWriter.Write(context.Background(), history.NotAliveDisposedUnregistered,
		guid.InstanceHandle(), keyPayload(rtps.PID_ENDPOINT_GUID, guid))
	return true
}

func (e *EDP) UnregisterReader(guid rtps.GUID) bool {
	var acts actions
	e.mu.Lock()
	if _, ok := e.localReaders[guid]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.localReaders, guid)
	for _, lw := range e.localWriters {
		ep := lw.ep
		acts.add(func() { ep.MatchedReaderRemove(guid) })
	}
	e.mu.Unlock()
	acts.run()

	e.subWriter.Write(context.Background(), history.NotAliveDisposedUnregistered,
		guid.InstanceHandle(), keyPayload(rtps.PID_ENDPOINT_GUID, guid))
	return true
}

// Publications lists the remote writers discovered so far.
func (e *EDP) Publications() []WriterProxyData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WriterProxyData, 0, len(e.remoteWriters))
	for _, w := range e.remoteWriters {
		out = append(out, w)
	}
	return out
}

// Subscriptions lists the remote readers discovered so far.
func (e *EDP) Subscriptions() []ReaderProxyData {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReaderProxyData, 0, len(e.remoteReaders))
	for _, r := range e.remoteReaders {
		out = append(out, r)
	}
	return out
}

// participantAdded matches the builtin endpoints the participant
// announces with ours.
func (e *EDP) participantAdded(d ParticipantProxyData) {
	e.mu.Lock()
	e.participants[d.GUIDPrefix] = d
	e.mu.Unlock()

	uc, mc := d.MetaUnicast, []rtps.Locator(nil)
	if len(uc) == 0 {
		mc = d.MetaMulticast
	}
	reader := func(eid rtps.EntityID) endpoint.RemoteReader {
		return endpoint.RemoteReader{
			GUID:        rtps.NewGUID(d.GUIDPrefix, eid),
			Unicast:     uc,
			Multicast:   mc,
			Reliability: rtps.Reliable,
			Durability:  rtps.TransientLocal,
		}
	}
	writer := func(eid rtps.EntityID) endpoint.RemoteWriter {
		return endpoint.RemoteWriter{
			GUID:        rtps.NewGUID(d.GUIDPrefix, eid),
			Unicast:     uc,
			Multicast:   mc,
			Reliability: rtps.Reliable,
			Durability:  rtps.TransientLocal,
		}
	}

	set := d.BuiltinEndpoints
	if set&rtps.BUILTIN_EP_PUBLICATION_DETECTOR != 0 {
		e.pubWriter.MatchedReaderAdd(reader(rtps.SEDPPubReaderID))
	}
	if set&rtps.BUILTIN_EP_SUBSCRIPTION_DETECTOR != 0 {
		e.subWriter.MatchedReaderAdd(reader(rtps.SEDPSubReaderID))
	}
	if set&rtps.BUILTIN_EP_PUBLICATION_ANNOUNCER != 0 {
		e.pubReader.MatchedWriterAdd(writer(rtps.SEDPPubWriterID))
	}
	if set&rtps.BUILTIN_EP_SUBSCRIPTION_ANNOUNCER != 0 {
		e.subReader.MatchedWriterAdd(writer(rtps.SEDPSubWriterID))
	}
}

// participantRemoved drops everything discovered through a participant
// and unmatches its endpoints from ours.
func (e *EDP) participantRemoved(prefix rtps.GUIDPrefix) {
	var acts actions
	e.mu.Lock()
	delete(e.participants, prefix)
	for g := range e.remoteWriters {
		if g.Prefix == prefix {
			e.removeRemoteWriterLocked(&acts, g)
		}
	}
	for g := range e.remoteReaders {
		if g.Prefix == prefix {
			e.removeRemoteReaderLocked(&acts, g)
		}
	}
	e.mu.Unlock()
	acts.run()

	e.pubWriter.MatchedReaderRemove(rtps.NewGUID(prefix, rtps.SEDPPubReaderID))
	e.subWriter.MatchedReaderRemove(rtps.NewGUID(prefix, rtps.SEDPSubReaderID))
	for _, ids := range []struct {
		r *endpoint.Reader
		w rtps.EntityID
	}{{e.pubReader, rtps.SEDPPubWriterID}, {e.subReader, rtps.SEDPSubWriterID}} {
		g := rtps.NewGUID(prefix, ids.w)
		ids.r.MatchedWriterRemove(g)
		ids.r.ForgetWriter(g)
	}
}

func (e *EDP) removeRemoteWriterLocked(acts *actions, guid rtps.GUID) {
	if _, ok := e.remoteWriters[guid]; !ok {
		return
	}
	delete(e.remoteWriters, guid)
	for _, lr := range e.localReaders {
		ep := lr.ep
		acts.add(func() { ep.MatchedWriterRemove(guid) })
	}
}

func (e *EDP) removeRemoteReaderLocked(acts *actions, guid rtps.GUID) {
	if _, ok := e.remoteReaders[guid]; !ok {
		return
	}
	delete(e.remoteReaders, guid)
	for _, lw := range e.localWriters {
		ep := lw.ep
		acts.add(func() { ep.MatchedReaderRemove(guid) })
	}
}

// disposedGUID recovers the GUID a dispose or unregister refers to: the
// key hash when there is one, otherwise the pid parameter of the key-only
// payload.
func disposedGUID(s history.Sample, pid rtps.ParamID) (rtps.GUID, bool) {
	if !s.Info.Instance.IsNil() {
		g, err := rtps.GUIDFromBytes(s.Info.Instance[:])
		return g, err == nil
	}
	_, plist, err := parsePayload(s.Data)
	if err != nil {
		return rtps.GUID{}, false
	}
	for _, p := range plist {
		if p.PID == pid {
			g, err := p.GUID()
			return g, err == nil
		}
	}
	return rtps.GUID{}, false
}

func (e *EDP) onPublications(r *endpoint.Reader) {
	takeAll(r, e.handlePublication)
}

func (e *EDP) handlePublication(s history.Sample) {
	var acts actions
	defer acts.run()
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Info.Kind != history.Alive {
		if g, ok := disposedGUID(s, rtps.PID_ENDPOINT_GUID); ok {
			e.removeRemoteWriterLocked(&acts, g)
		}
		return
	}
	d, err := UnmarshalWriter(s.Data)
	if err != nil {
		e.warn.Warn("malformed publication data", zap.Stringer("writer", s.Info.WriterGUID), zap.Error(err))
		return
	}
	if d.GUID.Prefix != s.Info.WriterGUID.Prefix || d.GUID.Prefix == e.cfg.Local.GUIDPrefix {
		e.warn.Warn("publication announced by another participant",
			zap.Stringer("endpoint", d.GUID), zap.Stringer("writer", s.Info.WriterGUID))
		return
	}
	if _, ok := e.participants[d.GUID.Prefix]; !ok {
		// taken before its participant went away
		e.log.Debug("publication of unknown participant", zap.Stringer("endpoint", d.GUID))
		return
	}
	if _, ok := e.remoteWriters[d.GUID]; !ok {
		e.log.Info("publication discovered",
			zap.Stringer("guid", d.GUID), zap.String("topic", d.Topic), zap.String("type", d.TypeName))
	}
	e.remoteWriters[d.GUID] = d
	for _, lr := range e.localReaders {
		e.pairLocked(&acts, &d, &lr.data, nil, lr.ep)
	}
}

func (e *EDP) onSubscriptions(r *endpoint.Reader) {
	takeAll(r, e.handleSubscription)
}

func (e *EDP) handleSubscription(s history.Sample) {
	var acts actions
	defer acts.run()
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Info.Kind != history.Alive {
		if g, ok := disposedGUID(s, rtps.PID_ENDPOINT_GUID); ok {
			e.removeRemoteReaderLocked(&acts, g)
		}
		return
	}
	d, err := UnmarshalReader(s.Data)
	if err != nil {
		e.warn.Warn("malformed subscription data", zap.Stringer("writer", s.Info.WriterGUID), zap.Error(err))
		return
	}
	if d.GUID.Prefix != s.Info.WriterGUID.Prefix || d.GUID.Prefix == e.cfg.Local.GUIDPrefix {
		e.warn.Warn("subscription announced by another participant",
			zap.Stringer("endpoint", d.GUID), zap.Stringer("writer", s.Info.WriterGUID))
		return
	}
	if _, ok := e.participants[d.GUID.Prefix]; !ok {
		// taken before its participant went away
		e.log.Debug("subscription of unknown participant", zap.Stringer("endpoint", d.GUID))
		return
	}
	if _, ok := e.remoteReaders[d.GUID]; !ok {
		e.log.Info("subscription discovered",
			zap.Stringer("guid", d.GUID), zap.String("topic", d.Topic), zap.String("type", d.TypeName))
	}
	e.remoteReaders[d.GUID] = d
	for _, lw := range e.localWriters {
		e.pairLocked(&acts, &lw.data, &d, lw.ep, nil)
	}
}

func (e *EDP) Close() {
	e.pubWriter.Close()
	e.subWriter.Close()
	e.pubReader.Close()
	e.subReader.Close()
}
