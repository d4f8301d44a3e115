package endpoint

import (
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
)

// messageGroup packs submessages for one destination into as few messages
// as possible. A message is sent when the next submessage does not fit or
// the group is flushed.
type messageGroup struct {
	sender Sender
	mb     *rtps.MessageBuilder
	log    *zap.Logger

	dst      rtps.GUIDPrefix
	locs     []rtps.Locator
	ts       time.Time // INFO_TS in effect for the current message
	prologue int       // submessages written by reset
}

func newMessageGroup(prefix rtps.GUIDPrefix, maxSize int, sender Sender, log *zap.Logger) *messageGroup {
	g := &messageGroup{
		sender: sender,
		mb:     rtps.NewMessageBuilder(rtps.NewHeader(prefix), maxSize),
		log:    log,
	}
	g.reset()
	return g
}

// begin flushes whatever is pending and addresses the group to dst at
// locs. An unknown dst omits INFO_DST.
func (g *messageGroup) begin(dst rtps.GUIDPrefix, locs []rtps.Locator) {
	g.flush()
	g.dst = dst
	g.locs = locs
	g.reset()
}

func (g *messageGroup) reset() {
	g.mb.Reset()
	g.ts = time.Time{}
	if !g.dst.IsUnknown() {
		g.mb.AddInfoDst(&rtps.InfoDst{GUIDPrefix: g.dst})
	}
	g.prologue = g.mb.Count()
}

func (g *messageGroup) flush() {
	if g.mb.Count() > g.prologue && len(g.locs) > 0 {
		if err := g.sender.Send(g.mb.Bytes(), g.locs); err != nil {
			g.log.Debug("send failed", zap.Error(err), zap.Int("bytes", len(g.mb.Bytes())))
		}
	}
	g.reset()
}

func (g *messageGroup) add(put func() bool) bool {
	if put() {
		return true
	}
	if g.mb.Count() == g.prologue {
		g.log.Warn("submessage larger than a message", zap.Int("max", g.mb.MaxSize()))
		return false
	}
	g.flush()
	return put()
}

func (g *messageGroup) timestamp(ts time.Time) bool {
	if ts.IsZero() || ts.Equal(g.ts) {
		return true
	}
	if !g.mb.AddInfoTS(&rtps.InfoTS{Timestamp: ts}) {
		return false
	}
	g.ts = ts
	return true
}

func (g *messageGroup) addData(d *rtps.Data, ts time.Time) bool {
	return g.add(func() bool { return g.timestamp(ts) && g.mb.AddData(d) })
}

func (g *messageGroup) addDataFrag(d *rtps.DataFrag, ts time.Time) bool {
	return g.add(func() bool { return g.timestamp(ts) && g.mb.AddDataFrag(d) })
}

func (g *messageGroup) addHeartbeat(hb *rtps.Heartbeat) bool {
	return g.add(func() bool { return g.mb.AddHeartbeat(hb) })
}

func (g *messageGroup) addGap(gap *rtps.Gap) bool {
	return g.add(func() bool { return g.mb.AddGap(gap) })
}

func (g *messageGroup) addAckNack(an *rtps.AckNack) bool {
	return g.add(func() bool { return g.mb.AddAckNack(an) })
}

func (g *messageGroup) addNackFrag(nf *rtps.NackFrag) bool {
	return g.add(func() bool { return g.mb.AddNackFrag(nf) })
}
