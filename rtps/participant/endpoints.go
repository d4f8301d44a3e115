package participant

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/discovery"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/history"
)

var ErrNoTopic = errors.New("participant: endpoint needs a topic and a type name")

type WriterOptions struct {
	Topic    string
	TypeName string
	// Keyed topics carry an instance key with every sample.
	Keyed bool
	// Qos defaults to rtps.DefaultWriterQos.
	Qos *rtps.EndpointQos
	// Throughput limits the writer to this many bytes per second, 0 is
	// unlimited.
	Throughput int
	Listener   endpoint.MatchListener
}

type ReaderOptions struct {
	Topic    string
	TypeName string
	Keyed    bool
	// Qos defaults to rtps.DefaultReaderQos.
	Qos              *rtps.EndpointQos
	ExpectsInlineQos bool
	Listeners        endpoint.Listeners
}

// Writer publishes samples of one topic.
type Writer struct {
	p     *Participant
	ep    *endpoint.Writer
	data  discovery.WriterProxyData
	keyed bool
}

// Reader receives samples of one topic.
type Reader struct {
	p    *Participant
	ep   *endpoint.Reader
	data discovery.ReaderProxyData
}

func (p *Participant) CreateWriter(opts WriterOptions) (*Writer, error) {
	if opts.Topic == "" || opts.TypeName == "" {
		return nil, ErrNoTopic
	}
	q := rtps.DefaultWriterQos()
	if opts.Qos != nil {
		q = *opts.Qos
	}
	kind := uint8(rtps.ENTITYID_KIND_WRITER_NO_KEY)
	if opts.Keyed {
		kind = rtps.ENTITYID_KIND_WRITER_WITH_KEY
	}
	guid := rtps.NewGUID(p.prefix, p.eids.New(kind))
	ep := endpoint.NewWriter(endpoint.WriterConfig{
		GUID:           guid,
		Qos:            q,
		Pool:           p.cfg.Pool,
		PayloadMaxSize: p.cfg.PayloadMaxSize,
		Times:          p.cfg.Writer,
		MaxMessageSize: p.cfg.MaxMessageSize,
		FragmentSize:   p.cfg.FragmentSize,
		Throughput:     opts.Throughput,
	}, p.send, endpoint.Listeners{Match: opts.Listener}, p.reg.log)
	w := &Writer{
		p:     p,
		ep:    ep,
		keyed: opts.Keyed,
		data: discovery.WriterProxyData{EndpointInfo: discovery.EndpointInfo{
			GUID:     guid,
			Topic:    opts.Topic,
			TypeName: opts.TypeName,
			Qos:      q,
		}},
	}

	// dispatch first: matching starts traffic right away
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ep.Close()
		return nil, ErrClosed
	}
	p.writers[guid.EntityID] = ep
	p.userWriters[guid] = w
	p.mu.Unlock()

	if err := p.edp.RegisterWriter(w.data, ep); err != nil {
		p.dropWriter(w)
		return nil, fmt.Errorf("register writer: %w", err)
	}
	p.log.Info("writer created", zap.Stringer("guid", guid), zap.String("topic", opts.Topic))
	return w, nil
}

func (p *Participant) CreateReader(opts ReaderOptions) (*Reader, error) {
	if opts.Topic == "" || opts.TypeName == "" {
		return nil, ErrNoTopic
	}
	q := rtps.DefaultReaderQos()
	if opts.Qos != nil {
		q = *opts.Qos
	}
	kind := uint8(rtps.ENTITYID_KIND_READER_NO_KEY)
	if opts.Keyed {
		kind = rtps.ENTITYID_KIND_READER_WITH_KEY
	}
	guid := rtps.NewGUID(p.prefix, p.eids.New(kind))
	ep := endpoint.NewReader(endpoint.ReaderConfig{
		GUID:           guid,
		Qos:            q,
		Pool:           p.cfg.Pool,
		PayloadMaxSize: p.cfg.PayloadMaxSize,
		Times:          p.cfg.Reader,
		MaxMessageSize: p.cfg.MaxMessageSize,
	}, p.send, opts.Listeners, p.reg.log)
	r := &Reader{
		p:  p,
		ep: ep,
		data: discovery.ReaderProxyData{
			EndpointInfo: discovery.EndpointInfo{
				GUID:     guid,
				Topic:    opts.Topic,
				TypeName: opts.TypeName,
				Qos:      q,
			},
			ExpectsInlineQos: opts.ExpectsInlineQos,
		},
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ep.Close()
		return nil, ErrClosed
	}
	p.readers[guid.EntityID] = ep
	p.userReaders[guid] = r
	p.mu.Unlock()

	if err := p.edp.RegisterReader(r.data, ep); err != nil {
		p.dropReader(r)
		return nil, fmt.Errorf("register reader: %w", err)
	}
	p.log.Info("reader created", zap.Stringer("guid", guid), zap.String("topic", opts.Topic))
	return r, nil
}

// dropWriter takes w out of dispatch and closes it. It reports false if w
// was already gone.
func (p *Participant) dropWriter(w *Writer) bool {
	p.mu.Lock()
	_, ok := p.userWriters[w.GUID()]
	delete(p.userWriters, w.GUID())
	delete(p.writers, w.GUID().EntityID)
	p.mu.Unlock()
	w.ep.Close()
	return ok
}

func (p *Participant) dropReader(r *Reader) bool {
	p.mu.Lock()
	_, ok := p.userReaders[r.GUID()]
	delete(p.userReaders, r.GUID())
	delete(p.readers, r.GUID().EntityID)
	p.mu.Unlock()
	r.ep.Close()
	return ok
}

func (w *Writer) GUID() rtps.GUID                   { return w.data.GUID }
func (w *Writer) Topic() string                     { return w.data.Topic }
func (w *Writer) Endpoint() *endpoint.Writer        { return w.ep }
func (w *Writer) MatchedReaders() []rtps.GUID       { return w.ep.MatchedReaders() }
func (w *Writer) IsAckedByAll(seq rtps.SeqNum) bool { return w.ep.IsAckedByAll(seq) }
func (w *Writer) AssertLiveliness()                 { w.ep.AssertLiveliness() }
func (w *Writer) WaitForAcknowledgments(ctx context.Context) bool {
	return w.ep.WaitForAcknowledgments(ctx)
}

func (w *Writer) instance(key []byte) rtps.InstanceHandle {
	if !w.keyed {
		return rtps.HandleNil
	}
	return rtps.KeyHash(key)
}

// Write publishes a serialized sample. key is the serialized instance key
// of keyed topics and ignored otherwise. It reports false when the history
// had no room before ctx was done.
func (w *Writer) Write(ctx context.Context, key, payload []byte) (rtps.SeqNum, bool) {
	return w.ep.Write(ctx, history.Alive, w.instance(key), payload)
}

// Dispose marks the instance of key as deleted for every reader.
func (w *Writer) Dispose(ctx context.Context, key []byte) bool {
	_, ok := w.ep.Write(ctx, history.NotAliveDisposed, w.instance(key), keyPayload(key))
	return ok
}

// Unregister tells readers this writer no longer updates the instance of
// key.
func (w *Writer) Unregister(ctx context.Context, key []byte) bool {
	_, ok := w.ep.Write(ctx, history.NotAliveUnregistered, w.instance(key), keyPayload(key))
	return ok
}

func keyPayload(key []byte) []byte {
	return rtps.Encapsulate(rtps.SCHEME_CDR_LE, key)
}

// Close withdraws the writer from discovery and releases it.
func (w *Writer) Close() {
	w.p.edp.UnregisterWriter(w.GUID())
	w.p.dropWriter(w)
}

func (r *Reader) GUID() rtps.GUID             { return r.data.GUID }
func (r *Reader) Topic() string               { return r.data.Topic }
func (r *Reader) Endpoint() *endpoint.Reader  { return r.ep }
func (r *Reader) MatchedWriters() []rtps.GUID { return r.ep.MatchedWriters() }

// TakeNextSample removes and returns the oldest unread sample.
func (r *Reader) TakeNextSample() (history.Sample, bool) {
	return r.ep.TakeNextSample()
}

// ReadNextSample returns the oldest unread sample and leaves it in the
// history, marked read.
func (r *Reader) ReadNextSample() (history.Sample, bool) {
	return r.ep.ReadNextSample()
}

func (r *Reader) WaitForUnreadMessage(ctx context.Context) bool {
	return r.ep.WaitForUnreadMessage(ctx)
}

func (r *Reader) Close() {
	r.p.edp.UnregisterReader(r.GUID())
	r.p.dropReader(r)
}
