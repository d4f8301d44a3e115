// Package participant ties the protocol together: it binds a transport,
// runs discovery, dispatches received submessages to endpoints and
// creates the user writers and readers.
package participant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/discovery"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/transport"
)

var ErrClosed = errors.New("participant: closed")

// Participant is one RTPS participant in a domain.
type Participant struct {
	cfg    Config
	reg    *Registry
	id     int
	prefix rtps.GUIDPrefix
	tr     transport.Transport
	log    *zap.Logger
	send   *sender

	warnMu sync.Mutex
	warn   *logging.RateLimited

	eids rtps.EntityIDAllocator
	edp  *discovery.EDP

	mu          sync.RWMutex
	pdp         *discovery.PDP
	writers     map[rtps.EntityID]*endpoint.Writer
	readers     map[rtps.EntityID]*endpoint.Reader
	userWriters map[rtps.GUID]*Writer
	userReaders map[rtps.GUID]*Reader
	closed      bool
}

// NewParticipant creates a participant on tr and starts discovery. The
// participant owns tr from then on, and closes it on failure too. l, if
// not nil, hears about remote participants.
func (r *Registry) NewParticipant(cfg Config, tr transport.Transport, l discovery.ParticipantListener) (*Participant, error) {
	p, err := r.newParticipant(cfg, tr, l)
	if err != nil {
		return nil, multierr.Append(err, tr.Close())
	}
	return p, nil
}

func (r *Registry) newParticipant(cfg Config, tr transport.Transport, l discovery.ParticipantListener) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peers, err := cfg.peerLocators()
	if err != nil {
		return nil, err
	}
	p := &Participant{
		cfg:         cfg,
		reg:         r,
		prefix:      rtps.NewGUIDPrefix(),
		tr:          tr,
		writers:     make(map[rtps.EntityID]*endpoint.Writer),
		readers:     make(map[rtps.EntityID]*endpoint.Reader),
		userWriters: make(map[rtps.GUID]*Writer),
		userReaders: make(map[rtps.GUID]*Reader),
	}
	p.log = r.log.Named("participant").With(zap.Stringer("prefix", p.prefix))
	p.warn = logging.NewRateLimited(p.log, time.Second)
	p.send = newSender(tr, p.log)

	ports := transport.Ports{Domain: cfg.Domain}
	if p.id, err = p.bindParticipantID(ports); err != nil {
		return nil, err
	}
	userUnicast := tr.UnicastLocator(ports.UserUnicast(uint32(p.id)))
	metaMulticast := tr.MulticastLocator(ports.MetaMulticast())
	userMulticast := tr.MulticastLocator(ports.UserMulticast())
	for _, loc := range []rtps.Locator{userUnicast, metaMulticast, userMulticast} {
		if err := tr.OpenInputChannel(loc, p.receive); err != nil {
			r.releaseID(cfg.Domain, p.id)
			return nil, fmt.Errorf("open %v: %w", loc, err)
		}
	}

	local := discovery.ParticipantProxyData{
		GUIDPrefix:       p.prefix,
		ProtoVersion:     rtps.MyProtoVersion,
		VendorID:         rtps.MY_RTPS_VENDOR_ID,
		BuiltinEndpoints: rtps.BUILTIN_EP_DEFAULT_SET,
		MetaUnicast:      []rtps.Locator{tr.UnicastLocator(ports.MetaUnicast(uint32(p.id)))},
		MetaMulticast:    []rtps.Locator{metaMulticast},
		DefaultUnicast:   []rtps.Locator{userUnicast},
		DefaultMulticast: []rtps.Locator{userMulticast},
		LeaseDuration:    cfg.LeaseDuration,
		Name:             cfg.Name,
		Properties:       cfg.Properties,
	}
	if cfg.UserData != "" {
		local.UserData = []byte(cfg.UserData)
	}
	builtin := discovery.BuiltinConfig{
		Local:          local,
		WriterTimes:    cfg.Writer,
		ReaderTimes:    cfg.Reader,
		MaxMessageSize: cfg.MaxMessageSize,
		PayloadMaxSize: cfg.PayloadMaxSize,
	}
	p.edp = discovery.NewEDP(builtin, p.send, r.log)
	pdp := discovery.NewPDP(discovery.PDPConfig{
		BuiltinConfig:             builtin,
		AnnouncementPeriod:        cfg.AnnouncementPeriod,
		InitialAnnouncements:      cfg.InitialAnnouncements,
		InitialAnnouncementPeriod: cfg.InitialAnnouncementPeriod,
		LeaseCheckPeriod:          cfg.LeaseCheckPeriod,
		InitialPeers:              peers,
	}, p.send, p.edp, l, r.log)

	p.mu.Lock()
	p.pdp = pdp
	p.writers[rtps.SPDPWriterID] = pdp.Writer()
	p.readers[rtps.SPDPReaderID] = pdp.Reader()
	for _, w := range p.edp.Writers() {
		p.writers[w.GUID().EntityID] = w
	}
	for _, rd := range p.edp.Readers() {
		p.readers[rd.GUID().EntityID] = rd
	}
	p.mu.Unlock()

	if err := r.add(p); err != nil {
		pdp.Close()
		p.edp.Close()
		r.releaseID(cfg.Domain, p.id)
		return nil, err
	}
	pdp.Start()
	p.log.Info("participant up",
		zap.Uint32("domain", cfg.Domain), zap.Int("id", p.id), zap.String("name", cfg.Name))
	return p, nil
}

// bindParticipantID finds a participant id whose metatraffic unicast
// port can be bound, scanning from the configured id unless one was
// forced.
func (p *Participant) bindParticipantID(ports transport.Ports) (int, error) {
	first, last := 0, maxParticipantID-1
	if p.cfg.ParticipantID >= 0 {
		first, last = p.cfg.ParticipantID, p.cfg.ParticipantID
	}
	for pid := first; pid <= last; pid++ {
		ok, err := p.reg.reserveID(p.cfg.Domain, pid)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		loc := p.tr.UnicastLocator(ports.MetaUnicast(uint32(pid)))
		err = p.tr.OpenInputChannel(loc, p.receive)
		if err == nil {
			return pid, nil
		}
		p.reg.releaseID(p.cfg.Domain, pid)
		if !errors.Is(err, transport.ErrAddressInUse) {
			return 0, fmt.Errorf("open %v: %w", loc, err)
		}
		p.log.Debug("participant id in use", zap.Int("id", pid))
	}
	return 0, ErrNoParticipantID
}

func (p *Participant) GUIDPrefix() rtps.GUIDPrefix { return p.prefix }
func (p *Participant) ID() int                     { return p.id }
func (p *Participant) Domain() uint32              { return p.cfg.Domain }

// Discovery returns the participant discovery protocol, for inspection and
// for suspending it with Stop and Reset.
func (p *Participant) Discovery() *discovery.PDP { return p.discovery() }

func (p *Participant) discovery() *discovery.PDP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pdp
}

func (p *Participant) EndpointDiscovery() *discovery.EDP { return p.edp }

// Local returns what the participant announces about itself.
func (p *Participant) Local() discovery.ParticipantProxyData {
	return p.discovery().Local()
}

// Participants returns the remote participants currently alive.
func (p *Participant) Participants() []discovery.ParticipantProxyData {
	return p.discovery().Participants()
}

// Close announces the participant's departure, closes its endpoints and
// its transport.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pdp := p.pdp
	writers := make([]*Writer, 0, len(p.userWriters))
	for _, w := range p.userWriters {
		writers = append(writers, w)
	}
	readers := make([]*Reader, 0, len(p.userReaders))
	for _, r := range p.userReaders {
		readers = append(readers, r)
	}
	p.userWriters = nil
	p.userReaders = nil
	p.mu.Unlock()

	for _, w := range writers {
		p.edp.UnregisterWriter(w.GUID())
		w.ep.Close()
	}
	for _, r := range readers {
		p.edp.UnregisterReader(r.GUID())
		r.ep.Close()
	}
	pdp.Close()
	p.edp.Close()

	err := p.tr.Close()
	p.reg.remove(p)
	p.log.Info("participant closed")
	return err
}
