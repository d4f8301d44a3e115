package discovery

import (
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/history"
)

const (
	DefaultLeaseDuration             = 20 * time.Second
	DefaultAnnouncementPeriod        = 3 * time.Second
	DefaultInitialAnnouncements      = 5
	DefaultInitialAnnouncementPeriod = 100 * time.Millisecond
	DefaultLeaseCheckPeriod          = time.Second
)

// BuiltinConfig is shared by the discovery endpoints of one participant.
type BuiltinConfig struct {
	// Local is what the participant announces. Its prefix names every
	// builtin endpoint.
	Local ParticipantProxyData

	WriterTimes    endpoint.WriterTimes
	ReaderTimes    endpoint.ReaderTimes
	MaxMessageSize int
	PayloadMaxSize int
}

func (c *BuiltinConfig) pool() history.PoolConfig {
	return history.PoolConfig{Policy: history.PreallocatedWithRealloc, PayloadSize: 512, InitialSize: 8}
}

func (c *BuiltinConfig) payloadMax() int {
	if c.PayloadMaxSize > 0 {
		return c.PayloadMaxSize
	}
	return 64 * 1024
}

func builtinQos(rel rtps.ReliabilityKind, dur rtps.DurabilityKind) rtps.EndpointQos {
	q := rtps.DefaultWriterQos()
	q.Reliability.Kind = rel
	q.Durability = dur
	q.History = rtps.HistoryQos{Kind: rtps.KeepLast, Depth: 1}
	return q
}

func (c *BuiltinConfig) newWriter(eid rtps.EntityID, rel rtps.ReliabilityKind, sender endpoint.Sender, log *zap.Logger) *endpoint.Writer {
	return endpoint.NewWriter(endpoint.WriterConfig{
		GUID:           rtps.NewGUID(c.Local.GUIDPrefix, eid),
		Qos:            builtinQos(rel, rtps.TransientLocal),
		Pool:           c.pool(),
		PayloadMaxSize: c.payloadMax(),
		Times:          c.WriterTimes,
		MaxMessageSize: c.MaxMessageSize,
	}, sender, endpoint.Listeners{}, log)
}

func (c *BuiltinConfig) newReader(eid rtps.EntityID, rel rtps.ReliabilityKind, sender endpoint.Sender, onData func(*endpoint.Reader), log *zap.Logger) *endpoint.Reader {
	return endpoint.NewReader(endpoint.ReaderConfig{
		GUID:                 rtps.NewGUID(c.Local.GUIDPrefix, eid),
		Qos:                  builtinQos(rel, rtps.TransientLocal),
		Pool:                 c.pool(),
		PayloadMaxSize:       c.payloadMax(),
		Times:                c.ReaderTimes,
		MaxMessageSize:       c.MaxMessageSize,
		AcceptUnknownWriters: rel == rtps.BestEffort,
	}, sender, endpoint.Listeners{Data: endpoint.DataAvailableFunc(onData)}, log)
}

// takeAll drains r, calling fn for every sample.
func takeAll(r *endpoint.Reader, fn func(history.Sample)) {
	for {
		s, ok := r.TakeNextSample()
		if !ok {
			return
		}
		fn(s)
	}
}
