package participant

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/logging"
)

var (
	ErrRegistryLive    = errors.New("participant: a registry is already live")
	ErrRegistryClosed  = errors.New("participant: registry shut down")
	ErrNoParticipantID = errors.New("participant: no free participant id")
)

var live atomic.Pointer[Registry]

// Registry owns every participant of the process. At most one registry
// is live at a time; Shutdown closes its participants and lets another
// be created.
type Registry struct {
	log *zap.Logger

	mu           sync.Mutex
	participants map[*Participant]struct{}
	ids          map[uint32]map[int]bool // domain, participant id
	shut         bool
}

func Init(log *zap.Logger) (*Registry, error) {
	r := &Registry{
		log:          logging.OrNop(log),
		participants: make(map[*Participant]struct{}),
		ids:          make(map[uint32]map[int]bool),
	}
	if !live.CompareAndSwap(nil, r) {
		return nil, ErrRegistryLive
	}
	return r, nil
}

// Shutdown closes every participant. The registry cannot be used after.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return nil
	}
	r.shut = true
	ps := make([]*Participant, 0, len(r.participants))
	for p := range r.participants {
		ps = append(ps, p)
	}
	r.mu.Unlock()

	var err error
	for _, p := range ps {
		err = multierr.Append(err, p.Close())
	}
	live.CompareAndSwap(r, nil)
	return err
}

func (r *Registry) Participants() []*Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := make([]*Participant, 0, len(r.participants))
	for p := range r.participants {
		ps = append(ps, p)
	}
	return ps
}

// reserveID claims participant id pid in domain for this process.
func (r *Registry) reserveID(domain uint32, pid int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shut {
		return false, ErrRegistryClosed
	}
	used := r.ids[domain]
	if used == nil {
		used = make(map[int]bool)
		r.ids[domain] = used
	}
	if used[pid] {
		return false, nil
	}
	used[pid] = true
	return true, nil
}

func (r *Registry) releaseID(domain uint32, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids[domain], pid)
}

func (r *Registry) add(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shut {
		return ErrRegistryClosed
	}
	r.participants[p] = struct{}{}
	return nil
}

func (r *Registry) remove(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, p)
	delete(r.ids[p.cfg.Domain], p.id)
}
