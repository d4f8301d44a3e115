package participant

import (
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/endpoint"
)

// receiver holds the state that INFO submessages set up for the rest of
// one message.
type receiver struct {
	p *Participant

	srcVersion rtps.ProtoVersion
	srcVendor  rtps.VendorID
	srcPrefix  rtps.GUIDPrefix
	dstPrefix  rtps.GUIDPrefix
	timestamp  time.Time // zero when the message carries none
}

// receive parses one message and hands its submessages to the local
// endpoints. Malformed submessages are dropped and the rest of the
// message is still processed.
func (p *Participant) receive(b []byte) {
	hdr, it, err := rtps.ParseMessage(b)
	if err != nil {
		p.rxWarn("bad message header", zap.Error(err), zap.Int("bytes", len(b)))
		return
	}
	if hdr.Version.Major < rtps.MY_RTPS_VERSION_MAJOR {
		p.log.Debug("protocol version too old",
			zap.Uint8("major", hdr.Version.Major), zap.Uint8("minor", hdr.Version.Minor))
		return
	}

	rx := receiver{
		p:          p,
		srcVersion: hdr.Version,
		srcVendor:  hdr.Vendor,
		srcPrefix:  hdr.GUIDPrefix,
	}
	if rx.srcPrefix != p.prefix {
		if pdp := p.discovery(); pdp != nil {
			pdp.AssertLiveliness(rx.srcPrefix)
		}
	}

	for sm, ok := it.Next(); ok; sm, ok = it.Next() {
		rx.handleSubmsg(sm)
	}
	if err := it.Err(); err != nil {
		p.rxWarn("truncated message", zap.Stringer("src", rx.srcPrefix), zap.Error(err))
	}
}

// forUs reports whether submessages following the last INFO_DST are
// addressed to this participant.
func (rx *receiver) forUs() bool {
	return rx.dstPrefix.IsUnknown() || rx.dstPrefix == rx.p.prefix
}

func (rx *receiver) malformed(sm rtps.Submessage, err error) {
	rx.p.rxWarn("malformed submessage",
		zap.Uint8("id", sm.Header.ID), zap.Stringer("src", rx.srcPrefix), zap.Error(err))
}

func (rx *receiver) handleSubmsg(sm rtps.Submessage) {
	switch sm.Header.ID {
	case rtps.SUBMSG_ID_PAD:

	case rtps.SUBMSG_ID_INFO_TS:
		ts, err := rtps.DecodeInfoTS(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		if ts.Invalidate {
			rx.timestamp = time.Time{}
		} else {
			rx.timestamp = ts.Timestamp
		}

	case rtps.SUBMSG_ID_INFO_SRC:
		src, err := rtps.DecodeInfoSrc(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		rx.srcPrefix = src.GUIDPrefix
		rx.srcVersion = src.Version
		rx.srcVendor = src.Vendor

	case rtps.SUBMSG_ID_INFO_DST:
		dst, err := rtps.DecodeInfoDst(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		rx.dstPrefix = dst.GUIDPrefix

	case rtps.SUBMSG_ID_INFO_REPLY, rtps.SUBMSG_ID_INFO_REPLY_IP4:
		// replies go to the locators discovery announced

	case rtps.SUBMSG_ID_DATA:
		if !rx.forUs() {
			return
		}
		d, err := rtps.DecodeData(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		for _, r := range rx.p.readersFor(d.ReaderID, d.WriterID) {
			r.ProcessData(rx.srcPrefix, &d, rx.timestamp)
		}

	case rtps.SUBMSG_ID_DATA_FRAG:
		if !rx.forUs() {
			return
		}
		df, err := rtps.DecodeDataFrag(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		for _, r := range rx.p.readersFor(df.ReaderID, df.WriterID) {
			r.ProcessDataFrag(rx.srcPrefix, &df, rx.timestamp)
		}

	case rtps.SUBMSG_ID_HEARTBEAT:
		if !rx.forUs() {
			return
		}
		hb, err := rtps.DecodeHeartbeat(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		for _, r := range rx.p.readersFor(hb.ReaderID, hb.WriterID) {
			r.ProcessHeartbeat(rx.srcPrefix, &hb)
		}

	case rtps.SUBMSG_ID_GAP:
		if !rx.forUs() {
			return
		}
		g, err := rtps.DecodeGap(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		for _, r := range rx.p.readersFor(g.ReaderID, g.WriterID) {
			r.ProcessGap(rx.srcPrefix, &g)
		}

	case rtps.SUBMSG_ID_ACKNACK:
		if !rx.forUs() {
			return
		}
		an, err := rtps.DecodeAckNack(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		if w := rx.p.writer(an.WriterID); w != nil {
			w.ProcessAckNack(rx.srcPrefix, &an)
		} else {
			rx.p.rxWarn("acknack for unknown writer",
				zap.Stringer("src", rx.srcPrefix), zap.Stringer("writer", an.WriterID))
		}

	case rtps.SUBMSG_ID_NACK_FRAG:
		if !rx.forUs() {
			return
		}
		nf, err := rtps.DecodeNackFrag(sm)
		if err != nil {
			rx.malformed(sm, err)
			return
		}
		if w := rx.p.writer(nf.WriterID); w != nil {
			w.ProcessNackFrag(rx.srcPrefix, &nf)
		}

	case rtps.SUBMSG_ID_HEARTBEAT_FRAG:
		// fragments are requested from the regular heartbeat's missing set
		if _, err := rtps.DecodeHeartbeatFrag(sm); err != nil {
			rx.malformed(sm, err)
		}

	default:
		// ids from 0x80 are vendor specific
		if sm.Header.ID < 0x80 {
			rx.p.rxWarn("unknown submessage", zap.Uint8("id", sm.Header.ID), zap.Stringer("src", rx.srcPrefix))
		}
	}
}

// builtinReaders routes DATA sent to no particular reader by a builtin
// writer.
var builtinReaders = map[rtps.EntityID]rtps.EntityID{
	rtps.SPDPWriterID:    rtps.SPDPReaderID,
	rtps.SEDPPubWriterID: rtps.SEDPPubReaderID,
	rtps.SEDPSubWriterID: rtps.SEDPSubReaderID,
}

// readersFor returns the readers a submessage from writerID addressed to
// readerID concerns. An unknown readerID means every reader that could be
// matched with the writer.
func (p *Participant) readersFor(readerID, writerID rtps.EntityID) []*endpoint.Reader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if readerID != rtps.EIDUnknown {
		if r, ok := p.readers[readerID]; ok {
			return []*endpoint.Reader{r}
		}
		return nil
	}
	if writerID.IsBuiltin() {
		if r, ok := p.readers[builtinReaders[writerID]]; ok {
			return []*endpoint.Reader{r}
		}
		return nil
	}
	out := make([]*endpoint.Reader, 0, len(p.readers))
	for eid, r := range p.readers {
		if !eid.IsBuiltin() {
			out = append(out, r)
		}
	}
	return out
}

func (p *Participant) writer(eid rtps.EntityID) *endpoint.Writer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writers[eid]
}

func (p *Participant) rxWarn(msg string, fields ...zap.Field) {
	p.warnMu.Lock()
	defer p.warnMu.Unlock()
	p.warn.Warn(msg, fields...)
}
