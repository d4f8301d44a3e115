package discovery

import (
	"encoding/binary"
	"fmt"

	"github.com/liamstask/go-rtps/rtps"
)

// EndpointInfo is the part of SEDP data common to readers and writers.
// Empty locator lists mean the participant's default locators apply.
type EndpointInfo struct {
	GUID      rtps.GUID
	Topic     string
	TypeName  string
	Qos       rtps.EndpointQos
	Unicast   []rtps.Locator
	Multicast []rtps.Locator
}

// WriterProxyData is announced on the publications topic.
type WriterProxyData struct {
	EndpointInfo
}

// ReaderProxyData is announced on the subscriptions topic.
type ReaderProxyData struct {
	EndpointInfo
	ExpectsInlineQos bool
}

func (d *WriterProxyData) Marshal() []byte {
	w := rtps.NewParamListWriter(binary.LittleEndian)
	d.put(w)
	w.AddUint32(rtps.PID_OWNERSHIP_STRENGTH, uint32(d.Qos.OwnershipStrength))
	return rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, w.Bytes())
}

func (d *ReaderProxyData) Marshal() []byte {
	w := rtps.NewParamListWriter(binary.LittleEndian)
	d.put(w)
	if d.ExpectsInlineQos {
		w.AddBool(rtps.PID_EXPECTS_INLINE_QOS, true)
	}
	return rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, w.Bytes())
}

func (e *EndpointInfo) put(w *rtps.ParamListWriter) {
	w.AddGUID(rtps.PID_ENDPOINT_GUID, e.GUID)
	w.AddGUID(rtps.PID_PARTICIPANT_GUID, rtps.NewGUID(e.GUID.Prefix, rtps.EIDParticipant))
	w.AddString(rtps.PID_TOPIC_NAME, e.Topic)
	w.AddString(rtps.PID_TYPE_NAME, e.TypeName)
	for _, loc := range e.Unicast {
		w.AddLocator(rtps.PID_UNICAST_LOCATOR, loc)
	}
	for _, loc := range e.Multicast {
		w.AddLocator(rtps.PID_MULTICAST_LOCATOR, loc)
	}

	q := &e.Qos
	w.AddReliability(q.Reliability)
	w.AddUint32(rtps.PID_DURABILITY, uint32(q.Durability))
	w.AddHistory(q.History)
	w.AddResourceLimits(q.ResourceLimits)
	w.AddLiveliness(q.Liveliness)
	w.AddUint32(rtps.PID_OWNERSHIP, uint32(q.Ownership))
	w.AddDuration(rtps.PID_DEADLINE, q.Deadline)
	w.AddUint32(rtps.PID_DESTINATION_ORDER, uint32(q.DestinationOrder))
	if len(q.Partitions) > 0 {
		w.AddStrings(rtps.PID_PARTITION, q.Partitions)
	}
	if len(q.UserData) > 0 {
		w.AddOctets(rtps.PID_USER_DATA, q.UserData)
	}
}

func UnmarshalWriter(b []byte) (WriterProxyData, error) {
	var d WriterProxyData
	d.Qos = rtps.DefaultWriterQos()
	err := d.get(b, func(bin binary.ByteOrder, p rtps.Param) error {
		if p.PID != rtps.PID_OWNERSHIP_STRENGTH {
			return nil
		}
		v, err := p.Uint32(bin)
		d.Qos.OwnershipStrength = int32(v)
		return err
	})
	return d, err
}

func UnmarshalReader(b []byte) (ReaderProxyData, error) {
	var d ReaderProxyData
	d.Qos = rtps.DefaultReaderQos()
	err := d.get(b, func(bin binary.ByteOrder, p rtps.Param) error {
		if p.PID != rtps.PID_EXPECTS_INLINE_QOS {
			return nil
		}
		v, err := p.Bool()
		d.ExpectsInlineQos = v
		return err
	})
	return d, err
}

// get fills e from a parameter list payload, handing every parameter it
// does not know to extra.
func (e *EndpointInfo) get(b []byte, extra func(binary.ByteOrder, rtps.Param) error) error {
	bin, plist, err := parsePayload(b)
	if err != nil {
		return err
	}

	haveGUID := false
	q := &e.Qos
	for _, p := range plist {
		var err error
		switch p.PID {
		case rtps.PID_ENDPOINT_GUID:
			e.GUID, err = p.GUID()
			haveGUID = err == nil
		case rtps.PID_TOPIC_NAME:
			e.Topic, err = p.String(bin)
		case rtps.PID_TYPE_NAME:
			e.TypeName, err = p.String(bin)
		case rtps.PID_UNICAST_LOCATOR:
			var loc rtps.Locator
			if loc, err = p.Locator(bin); err == nil {
				e.Unicast = rtps.AppendUnique(e.Unicast, loc)
			}
		case rtps.PID_MULTICAST_LOCATOR:
			var loc rtps.Locator
			if loc, err = p.Locator(bin); err == nil {
				e.Multicast = rtps.AppendUnique(e.Multicast, loc)
			}
		case rtps.PID_RELIABILITY:
			q.Reliability, err = p.Reliability(bin)
		case rtps.PID_DURABILITY:
			var v uint32
			v, err = p.Uint32(bin)
			q.Durability = rtps.DurabilityKind(v)
		case rtps.PID_HISTORY:
			q.History, err = p.History(bin)
		case rtps.PID_RESOURCE_LIMITS:
			q.ResourceLimits, err = p.ResourceLimits(bin)
		case rtps.PID_LIVELINESS:
			q.Liveliness, err = p.Liveliness(bin)
		case rtps.PID_OWNERSHIP:
			var v uint32
			v, err = p.Uint32(bin)
			q.Ownership = rtps.OwnershipKind(v)
		case rtps.PID_DEADLINE:
			q.Deadline, err = p.Duration(bin)
		case rtps.PID_DESTINATION_ORDER:
			var v uint32
			v, err = p.Uint32(bin)
			q.DestinationOrder = rtps.DestinationOrderKind(v)
		case rtps.PID_PARTITION:
			q.Partitions, err = p.Strings(bin)
		case rtps.PID_USER_DATA:
			q.UserData, err = p.Octets(bin)
		default:
			err = extra(bin, p)
		}
		if err != nil {
			return paramErr(p.PID, err)
		}
	}
	if !haveGUID {
		return fmt.Errorf("endpoint data without guid: %w", rtps.ErrMalformed)
	}
	return nil
}
