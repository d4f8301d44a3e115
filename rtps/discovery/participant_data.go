// Package discovery implements the simple participant and endpoint
// discovery protocols (SPDP and SEDP) on top of the endpoint package.
package discovery

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/liamstask/go-rtps/rtps"
)

// ParticipantProxyData is what a participant announces about itself in
// DATA(p).
type ParticipantProxyData struct {
	GUIDPrefix       rtps.GUIDPrefix
	ProtoVersion     rtps.ProtoVersion
	VendorID         rtps.VendorID
	ExpectsInlineQos bool
	BuiltinEndpoints uint32

	MetaUnicast      []rtps.Locator
	MetaMulticast    []rtps.Locator
	DefaultUnicast   []rtps.Locator
	DefaultMulticast []rtps.Locator

	LeaseDuration         time.Duration
	ManualLivelinessCount uint32
	Name                  string
	UserData              []byte
	Properties            map[string]string
}

func (d *ParticipantProxyData) GUID() rtps.GUID {
	return rtps.NewGUID(d.GUIDPrefix, rtps.EIDParticipant)
}

// Marshal serializes d as an encapsulated little endian parameter list.
func (d *ParticipantProxyData) Marshal() []byte {
	w := rtps.NewParamListWriter(binary.LittleEndian)
	w.Add(rtps.PID_PROTOCOL_VERSION, []byte{d.ProtoVersion.Major, d.ProtoVersion.Minor, 0, 0})
	w.Add(rtps.PID_VENDOR_ID, []byte{byte(d.VendorID >> 8), byte(d.VendorID), 0, 0})
	w.AddGUID(rtps.PID_PARTICIPANT_GUID, d.GUID())
	w.AddUint32(rtps.PID_BUILTIN_ENDPOINT_SET, d.BuiltinEndpoints)
	if d.ExpectsInlineQos {
		w.AddBool(rtps.PID_EXPECTS_INLINE_QOS, true)
	}
	for _, loc := range d.MetaUnicast {
		w.AddLocator(rtps.PID_METATRAFFIC_UNICAST_LOCATOR, loc)
	}
	for _, loc := range d.MetaMulticast {
		w.AddLocator(rtps.PID_METATRAFFIC_MULTICAST_LOCATOR, loc)
	}
	for _, loc := range d.DefaultUnicast {
		w.AddLocator(rtps.PID_DEFAULT_UNICAST_LOCATOR, loc)
	}
	for _, loc := range d.DefaultMulticast {
		w.AddLocator(rtps.PID_DEFAULT_MULTICAST_LOCATOR, loc)
	}
	w.AddDuration(rtps.PID_PARTICIPANT_LEASE_DURATION, d.LeaseDuration)
	w.AddUint32(rtps.PID_PARTICIPANT_MANUAL_LIVELINESS_COUNT, d.ManualLivelinessCount)
	if d.Name != "" {
		w.AddString(rtps.PID_ENTITY_NAME, d.Name)
	}
	if len(d.UserData) > 0 {
		w.AddOctets(rtps.PID_USER_DATA, d.UserData)
	}
	if len(d.Properties) > 0 {
		w.AddProperties(rtps.PID_PROPERTY_LIST, d.Properties)
	}
	return rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, w.Bytes())
}

// UnmarshalParticipant decodes a DATA(p) payload. Unknown and vendor
// specific parameters are skipped. The participant GUID is required.
func UnmarshalParticipant(b []byte) (ParticipantProxyData, error) {
	d := ParticipantProxyData{LeaseDuration: DefaultLeaseDuration}
	bin, plist, err := parsePayload(b)
	if err != nil {
		return d, err
	}

	haveGUID := false
	for _, p := range plist {
		switch p.PID {
		case rtps.PID_PROTOCOL_VERSION:
			if len(p.Value) < 2 {
				return d, paramErr(p.PID, rtps.ErrShortBuffer)
			}
			d.ProtoVersion = rtps.ProtoVersion{Major: p.Value[0], Minor: p.Value[1]}
		case rtps.PID_VENDOR_ID:
			if len(p.Value) < 2 {
				return d, paramErr(p.PID, rtps.ErrShortBuffer)
			}
			d.VendorID = rtps.VendorID(binary.BigEndian.Uint16(p.Value))
		case rtps.PID_PARTICIPANT_GUID:
			g, err := p.GUID()
			if err != nil {
				return d, paramErr(p.PID, err)
			}
			d.GUIDPrefix = g.Prefix
			haveGUID = true
		case rtps.PID_BUILTIN_ENDPOINT_SET:
			if d.BuiltinEndpoints, err = p.Uint32(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_EXPECTS_INLINE_QOS:
			if d.ExpectsInlineQos, err = p.Bool(); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_METATRAFFIC_UNICAST_LOCATOR, rtps.PID_METATRAFFIC_MULTICAST_LOCATOR,
			rtps.PID_DEFAULT_UNICAST_LOCATOR, rtps.PID_DEFAULT_MULTICAST_LOCATOR:
			loc, err := p.Locator(bin)
			if err != nil {
				return d, paramErr(p.PID, err)
			}
			switch p.PID {
			case rtps.PID_METATRAFFIC_UNICAST_LOCATOR:
				d.MetaUnicast = rtps.AppendUnique(d.MetaUnicast, loc)
			case rtps.PID_METATRAFFIC_MULTICAST_LOCATOR:
				d.MetaMulticast = rtps.AppendUnique(d.MetaMulticast, loc)
			case rtps.PID_DEFAULT_UNICAST_LOCATOR:
				d.DefaultUnicast = rtps.AppendUnique(d.DefaultUnicast, loc)
			default:
				d.DefaultMulticast = rtps.AppendUnique(d.DefaultMulticast, loc)
			}
		case rtps.PID_PARTICIPANT_LEASE_DURATION:
			if d.LeaseDuration, err = p.Duration(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_PARTICIPANT_MANUAL_LIVELINESS_COUNT:
			if d.ManualLivelinessCount, err = p.Uint32(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_ENTITY_NAME:
			if d.Name, err = p.String(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_USER_DATA:
			if d.UserData, err = p.Octets(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		case rtps.PID_PROPERTY_LIST:
			if d.Properties, err = p.Properties(bin); err != nil {
				return d, paramErr(p.PID, err)
			}
		}
	}
	if !haveGUID {
		return d, fmt.Errorf("participant data without guid: %w", rtps.ErrMalformed)
	}
	return d, nil
}

// parsePayload decapsulates a parameter list payload.
func parsePayload(b []byte) (binary.ByteOrder, rtps.ParamList, error) {
	scheme, bin, body, err := rtps.Decapsulate(b)
	if err != nil {
		return nil, nil, err
	}
	if scheme != rtps.SCHEME_PL_CDR_LE && scheme != rtps.SCHEME_PL_CDR_BE {
		return nil, nil, fmt.Errorf("scheme 0x%04x is not a parameter list: %w", scheme, rtps.ErrMalformed)
	}
	plist, _, err := rtps.ParseParamList(bin, body)
	if err != nil {
		return nil, nil, err
	}
	return bin, plist, nil
}

func paramErr(pid rtps.ParamID, err error) error {
	return fmt.Errorf("parameter 0x%04x: %w", uint16(pid), err)
}

// keyPayload is the serialized key sent with dispose and unregister:
// a parameter list holding only the entity's GUID.
func keyPayload(pid rtps.ParamID, g rtps.GUID) []byte {
	w := rtps.NewParamListWriter(binary.LittleEndian)
	w.AddGUID(pid, g)
	return rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, w.Bytes())
}
