package discovery

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/event"
	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/history"
)

type PDPConfig struct {
	BuiltinConfig

	AnnouncementPeriod        time.Duration
	InitialAnnouncements      int
	InitialAnnouncementPeriod time.Duration
	LeaseCheckPeriod          time.Duration

	// InitialPeers receive announcements besides the metatraffic
	// multicast locators.
	InitialPeers []rtps.Locator
}

func (c *PDPConfig) setDefaults() {
	if c.AnnouncementPeriod <= 0 {
		c.AnnouncementPeriod = DefaultAnnouncementPeriod
	}
	if c.InitialAnnouncementPeriod <= 0 {
		c.InitialAnnouncementPeriod = DefaultInitialAnnouncementPeriod
	}
	if c.LeaseCheckPeriod <= 0 {
		c.LeaseCheckPeriod = DefaultLeaseCheckPeriod
	}
	if c.Local.LeaseDuration <= 0 {
		c.Local.LeaseDuration = DefaultLeaseDuration
	}
}

type remoteParticipant struct {
	data     ParticipantProxyData
	lastSeen time.Time
}

// PDP runs the simple participant discovery protocol. It announces the
// local participant on a best effort writer with fixed destinations,
// learns remote participants from a reader that accepts any writer, and
// drops participants whose lease runs out.
type PDP struct {
	cfg      PDPConfig
	edp      *EDP
	listener ParticipantListener
	log      *zap.Logger

	writer *endpoint.Writer
	reader *endpoint.Reader

	announcer  *event.Timed
	leaseCheck *event.Timed

	mu          sync.Mutex
	warn        *logging.RateLimited
	local       ParticipantProxyData
	dirty       bool // local data changed since it was last written
	initialLeft int
	remotes     map[rtps.GUIDPrefix]*remoteParticipant
	closed      bool
}

// NewPDP builds the participant discovery endpoints. Nothing is sent
// until Start. edp, if not nil, is told about every participant that
// comes and goes.
func NewPDP(cfg PDPConfig, sender endpoint.Sender, edp *EDP, l ParticipantListener, log *zap.Logger) *PDP {
	cfg.setDefaults()
	log = logging.OrNop(log).Named("pdp")
	p := &PDP{
		cfg:      cfg,
		edp:      edp,
		listener: l,
		log:      log,
		warn:     logging.NewRateLimited(log, time.Second),
		local:    cfg.Local,
		dirty:    true,
		remotes:  make(map[rtps.GUIDPrefix]*remoteParticipant),
	}
	p.writer = cfg.newWriter(rtps.SPDPWriterID, rtps.BestEffort, sender, log)
	for _, loc := range cfg.Local.MetaMulticast {
		p.writer.AddReaderLocator(loc)
	}
	for _, loc := range cfg.InitialPeers {
		p.writer.AddReaderLocator(loc)
	}
	p.reader = cfg.newReader(rtps.SPDPReaderID, rtps.BestEffort, sender, p.onData, log)
	p.announcer = event.NewTimed(cfg.InitialAnnouncementPeriod, p.announceTick)
	p.leaseCheck = event.NewTimed(cfg.LeaseCheckPeriod, p.leaseTick)
	return p
}

func (p *PDP) Writer() *endpoint.Writer { return p.writer }
func (p *PDP) Reader() *endpoint.Reader { return p.reader }

// Start announces the participant and begins the periodic announcements
// and lease checks.
func (p *PDP) Start() {
	p.AnnounceState(true)
	p.Reset()
}

// Stop suspends announcements and lease checks. Known participants are
// kept.
func (p *PDP) Stop() {
	p.announcer.Cancel()
	p.leaseCheck.Cancel()
}

// Reset resumes announcements, starting over with the initial burst, and
// lease checks. Remote participants get a fresh lease so a long Stop does
// not drop them all at once.
func (p *PDP) Reset() {
	p.mu.Lock()
	p.initialLeft = p.cfg.InitialAnnouncements
	interval := p.cfg.AnnouncementPeriod
	if p.initialLeft > 0 {
		interval = p.cfg.InitialAnnouncementPeriod
	}
	now := time.Now()
	for _, rp := range p.remotes {
		rp.lastSeen = now
	}
	p.mu.Unlock()

	p.announcer.UpdateInterval(interval)
	p.announcer.Restart()
	p.leaseCheck.Restart()
}

// AnnounceState sends the local participant data. A new change is
// written if forced or if the data changed; otherwise the last one is
// sent again.
func (p *PDP) AnnounceState(newChange bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announceLocked(newChange)
}

func (p *PDP) announceLocked(newChange bool) {
	if p.closed {
		return
	}
	if !newChange && !p.dirty {
		p.writer.ResendHistory()
		return
	}
	inst := p.local.GUID().InstanceHandle()
	if _, ok := p.writer.Write(context.Background(), history.Alive, inst, p.local.Marshal()); !ok {
		p.log.Warn("participant data not written")
		return
	}
	p.dirty = false
}

func (p *PDP) announceTick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.announceLocked(false)
	if p.initialLeft > 0 {
		p.initialLeft--
		if p.initialLeft == 0 {
			p.announcer.UpdateInterval(p.cfg.AnnouncementPeriod)
		}
	}
	return true
}

// UpdateLocal changes the announced data and announces it right away.
func (p *PDP) UpdateLocal(fn func(d *ParticipantProxyData)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := p.local.GUIDPrefix
	fn(&p.local)
	p.local.GUIDPrefix = prefix
	p.dirty = true
	p.announceLocked(true)
}

func (p *PDP) Local() ParticipantProxyData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Participant returns what is known about a remote participant.
func (p *PDP) Participant(prefix rtps.GUIDPrefix) (ParticipantProxyData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.remotes[prefix]
	if !ok {
		return ParticipantProxyData{}, false
	}
	return rp.data, true
}

func (p *PDP) Participants() []ParticipantProxyData {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParticipantProxyData, 0, len(p.remotes))
	for _, rp := range p.remotes {
		out = append(out, rp.data)
	}
	return out
}

// AssertLiveliness renews the lease of a remote participant. The
// receiver calls it for every message the participant sends.
func (p *PDP) AssertLiveliness(prefix rtps.GUIDPrefix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.remotes[prefix]; ok {
		rp.lastSeen = time.Now()
	}
}

func (p *PDP) onData(r *endpoint.Reader) {
	takeAll(r, p.handleSample)
}

func (p *PDP) handleSample(s history.Sample) {
	if s.Info.Kind != history.Alive {
		if g, ok := disposedGUID(s, rtps.PID_PARTICIPANT_GUID); ok {
			p.removeParticipant(g.Prefix, ParticipantRemoved)
		}
		return
	}

	d, err := UnmarshalParticipant(s.Data)
	if err != nil {
		p.mu.Lock()
		p.warn.Warn("malformed participant data", zap.Stringer("writer", s.Info.WriterGUID), zap.Error(err))
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	if p.closed || d.GUIDPrefix == p.local.GUIDPrefix {
		p.mu.Unlock()
		return
	}
	status := ParticipantDiscovered
	rp, known := p.remotes[d.GUIDPrefix]
	if known {
		rp.lastSeen = time.Now()
		if reflect.DeepEqual(rp.data, d) {
			p.mu.Unlock()
			return
		}
		rp.data = d
		status = ParticipantChanged
	} else {
		p.remotes[d.GUIDPrefix] = &remoteParticipant{data: d, lastSeen: time.Now()}
	}
	p.mu.Unlock()

	p.log.Info("participant "+status.String(),
		zap.Stringer("prefix", d.GUIDPrefix),
		zap.String("name", d.Name),
		zap.Duration("lease", d.LeaseDuration))
	if p.edp != nil {
		p.edp.participantAdded(d)
	}
	if !known {
		// let the newcomer learn about us without waiting a period
		p.writer.ResendHistory(d.MetaUnicast...)
	}
	p.notify(status, d)
}

func (p *PDP) leaseTick() bool {
	now := time.Now()
	var expired []rtps.GUIDPrefix
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	for prefix, rp := range p.remotes {
		if now.Sub(rp.lastSeen) > rp.data.LeaseDuration {
			expired = append(expired, prefix)
		}
	}
	p.mu.Unlock()

	for _, prefix := range expired {
		p.removeParticipant(prefix, ParticipantDropped)
	}
	return true
}

// RemoveParticipant forgets a remote participant and everything
// discovered through it, as if it had announced its exit.
func (p *PDP) RemoveParticipant(prefix rtps.GUIDPrefix) bool {
	return p.removeParticipant(prefix, ParticipantRemoved)
}

func (p *PDP) removeParticipant(prefix rtps.GUIDPrefix, status ParticipantStatus) bool {
	p.mu.Lock()
	rp, ok := p.remotes[prefix]
	if ok {
		delete(p.remotes, prefix)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.log.Info("participant "+status.String(), zap.Stringer("prefix", prefix))
	if p.edp != nil {
		p.edp.participantRemoved(prefix)
	}
	// a returning participant resends the same sequence numbers
	p.reader.ForgetWriter(rtps.NewGUID(prefix, rtps.SPDPWriterID))
	p.notify(status, rp.data)
	return true
}

func (p *PDP) notify(status ParticipantStatus, d ParticipantProxyData) {
	if p.listener != nil {
		p.listener.OnParticipantDiscovery(ParticipantDiscoveryInfo{Status: status, Data: d})
	}
}

// Close announces that the participant is leaving and releases the
// discovery endpoints.
func (p *PDP) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	guid := p.local.GUID()
	p.writer.Write(context.Background(), history.NotAliveDisposedUnregistered,
		guid.InstanceHandle(), keyPayload(rtps.PID_PARTICIPANT_GUID, guid))
	p.closed = true
	p.mu.Unlock()

	p.announcer.Close()
	p.leaseCheck.Close()
	p.writer.Close()
	p.reader.Close()
}
