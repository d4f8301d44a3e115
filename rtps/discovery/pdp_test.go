package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

// capture records what discovery sends, by destination.
type capture struct {
	mu   sync.Mutex
	sent map[rtps.Locator][][]byte
}

func newCapture() *capture {
	return &capture{sent: make(map[rtps.Locator][][]byte)}
}

func (c *capture) Send(b []byte, locs []rtps.Locator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, loc := range locs {
		c.sent[loc] = append(c.sent[loc], append([]byte(nil), b...))
	}
	return nil
}

// data returns the DATA submessages sent to loc.
func (c *capture) data(t *testing.T, loc rtps.Locator) []rtps.Data {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rtps.Data
	for _, b := range c.sent[loc] {
		_, it, err := rtps.ParseMessage(b)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		for sm, ok := it.Next(); ok; sm, ok = it.Next() {
			if sm.Header.ID != rtps.SUBMSG_ID_DATA {
				continue
			}
			d, err := rtps.DecodeData(sm)
			if err != nil {
				t.Fatalf("decode data: %v", err)
			}
			out = append(out, d)
		}
	}
	return out
}

type events struct {
	mu  sync.Mutex
	got []ParticipantDiscoveryInfo
}

func (e *events) OnParticipantDiscovery(info ParticipantDiscoveryInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, info)
}

func (e *events) statuses() []ParticipantStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ParticipantStatus
	for _, info := range e.got {
		out = append(out, info.Status)
	}
	return out
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

func testPDPConfig() PDPConfig {
	return PDPConfig{
		BuiltinConfig:             BuiltinConfig{Local: participantData(localPrefix)},
		AnnouncementPeriod:        time.Hour,
		InitialAnnouncements:      2,
		InitialAnnouncementPeriod: 5 * time.Millisecond,
		LeaseCheckPeriod:          5 * time.Millisecond,
		InitialPeers:              []rtps.Locator{rtps.NewMemoryLocator(9, 7410)},
	}
}

func announcement(d ParticipantProxyData) history.Sample {
	return history.Sample{
		Data: d.Marshal(),
		Info: history.SampleInfo{
			Kind:       history.Alive,
			WriterGUID: rtps.NewGUID(d.GUIDPrefix, rtps.SPDPWriterID),
			Instance:   d.GUID().InstanceHandle(),
		},
	}
}

func TestPDPAnnouncements(t *testing.T) {
	c := newCapture()
	cfg := testPDPConfig()
	p := NewPDP(cfg, c, nil, nil, nil)
	defer p.Close()
	p.Start()

	mc := cfg.Local.MetaMulticast[0]
	peer := cfg.InitialPeers[0]
	// one written, then the initial burst resends it
	waitFor(t, "regular period", func() bool { return p.announcer.Interval() == time.Hour })
	if n := len(c.data(t, mc)); n != 3 {
		t.Errorf("got %d announcements, want one written and two resent", n)
	}
	if got, want := len(c.data(t, peer)), len(c.data(t, mc)); got != want {
		t.Errorf("initial peer got %d announcements, multicast %d", got, want)
	}

	for i, d := range c.data(t, mc) {
		if d.SeqNum != 1 {
			t.Errorf("[%d] announcement seq %d, want the same change resent", i, d.SeqNum)
		}
		got, err := UnmarshalParticipant(d.Payload)
		if err != nil {
			t.Fatalf("[%d] unmarshal: %v", i, err)
		}
		if diff := cmp.Diff(cfg.Local, got); diff != "" {
			t.Errorf("[%d] announced (-want +got):\n%s", i, diff)
		}
	}

	p.UpdateLocal(func(d *ParticipantProxyData) { d.Name = "renamed" })
	ds := c.data(t, mc)
	last := ds[len(ds)-1]
	got, err := UnmarshalParticipant(last.Payload)
	if err != nil || last.SeqNum != 2 || got.Name != "renamed" {
		t.Errorf("update announced seq %d name %q err %v", last.SeqNum, got.Name, err)
	}
}

func TestPDPParticipantLifecycle(t *testing.T) {
	c := newCapture()
	ev := &events{}
	cfg := testPDPConfig()
	cfg.LeaseCheckPeriod = time.Hour
	p := NewPDP(cfg, c, nil, ev, nil)
	defer p.Close()
	p.AnnounceState(true)

	// our own announcement looped back
	p.handleSample(announcement(cfg.Local))
	if len(p.Participants()) != 0 {
		t.Fatalf("discovered ourselves")
	}

	remote := participantData(remotePrefix)
	p.handleSample(announcement(remote))
	p.handleSample(announcement(remote))
	if got, ok := p.Participant(remotePrefix); !ok || got.Name != "node" {
		t.Fatalf("remote not known: %+v", got)
	}
	// the newcomer is answered on its metatraffic unicast locator
	if len(c.data(t, remote.MetaUnicast[0])) == 0 {
		t.Errorf("no direct announcement to the new participant")
	}

	remote.Name = "other"
	p.handleSample(announcement(remote))

	dispose := announcement(remote)
	dispose.Info.Kind = history.NotAliveDisposedUnregistered
	dispose.Data = keyPayload(rtps.PID_PARTICIPANT_GUID, remote.GUID())
	p.handleSample(dispose)
	if _, ok := p.Participant(remotePrefix); ok {
		t.Errorf("disposed participant still known")
	}

	want := []ParticipantStatus{ParticipantDiscovered, ParticipantChanged, ParticipantRemoved}
	if diff := cmp.Diff(want, ev.statuses()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestPDPDispose(t *testing.T) {
	remote := participantData(remotePrefix)
	cases := []struct {
		name     string
		instance rtps.InstanceHandle
		data     []byte
		removed  bool
	}{
		{"key hash", remote.GUID().InstanceHandle(), nil, true},
		{"key payload", rtps.HandleNil, keyPayload(rtps.PID_PARTICIPANT_GUID, remote.GUID()), true},
		{"other participant", rtps.HandleNil, keyPayload(rtps.PID_PARTICIPANT_GUID, rtps.NewGUID(localPrefix, rtps.EIDParticipant)), false},
		{"no key", rtps.HandleNil, nil, false},
	}
	for i, tc := range cases {
		p := NewPDP(testPDPConfig(), newCapture(), nil, nil, nil)
		p.Start()
		p.handleSample(announcement(remote))

		dispose := announcement(remote)
		dispose.Info.Kind = history.NotAliveDisposedUnregistered
		dispose.Info.Instance = tc.instance
		dispose.Data = tc.data
		p.handleSample(dispose)
		if _, ok := p.Participant(remotePrefix); ok == tc.removed {
			t.Errorf("[%d] %s: removed got %v, want %v", i, tc.name, !ok, tc.removed)
		}
		p.Close()
	}
}

func TestPDPLeaseExpiry(t *testing.T) {
	ev := &events{}
	cfg := testPDPConfig()
	p := NewPDP(cfg, newCapture(), nil, ev, nil)
	defer p.Close()
	p.Start()

	remote := participantData(remotePrefix)
	remote.LeaseDuration = 50 * time.Millisecond
	p.handleSample(announcement(remote))

	// liveliness keeps the lease alive
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		p.AssertLiveliness(remotePrefix)
	}
	if _, ok := p.Participant(remotePrefix); !ok {
		t.Fatalf("participant dropped while alive")
	}

	waitFor(t, "lease expiry", func() bool {
		_, ok := p.Participant(remotePrefix)
		return !ok
	})
	want := []ParticipantStatus{ParticipantDiscovered, ParticipantDropped}
	if diff := cmp.Diff(want, ev.statuses()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	// it may come back with the same sequence numbers
	p.handleSample(announcement(remote))
	if _, ok := p.Participant(remotePrefix); !ok {
		t.Errorf("participant not rediscovered")
	}
}

func TestPDPStopSuspendsLeaseCheck(t *testing.T) {
	cfg := testPDPConfig()
	p := NewPDP(cfg, newCapture(), nil, nil, nil)
	defer p.Close()
	p.Start()
	p.Stop()

	remote := participantData(remotePrefix)
	remote.LeaseDuration = 10 * time.Millisecond
	p.handleSample(announcement(remote))
	time.Sleep(50 * time.Millisecond)
	if _, ok := p.Participant(remotePrefix); !ok {
		t.Fatalf("participant dropped while lease checks were stopped")
	}

	p.Reset()
	waitFor(t, "lease expiry after reset", func() bool {
		_, ok := p.Participant(remotePrefix)
		return !ok
	})
}

func TestPDPCloseDisposes(t *testing.T) {
	c := newCapture()
	cfg := testPDPConfig()
	p := NewPDP(cfg, c, nil, nil, nil)
	p.Start()
	p.Close()

	ds := c.data(t, cfg.Local.MetaMulticast[0])
	last := ds[len(ds)-1]
	if !last.KeyOnly {
		t.Fatalf("last announcement is not a dispose")
	}
	var flags uint8
	if prm, ok := last.InlineQos.Find(rtps.PID_STATUS_INFO); ok {
		flags = prm.Value[3]
	}
	if flags != rtps.STATUS_INFO_DISPOSED|rtps.STATUS_INFO_UNREGISTERED {
		t.Errorf("status info 0x%x", flags)
	}
}
