package endpoint

import (
	"github.com/liamstask/go-rtps/rtps"
)

type MatchStatus int

const (
	Matched MatchStatus = iota
	Unmatched
)

func (s MatchStatus) String() string {
	if s == Matched {
		return "matched"
	}
	return "unmatched"
}

// MatchInfo reports a publication or subscription match change on a local
// endpoint.
type MatchInfo struct {
	Status       MatchStatus
	Local        rtps.GUID
	Remote       rtps.GUID
	CurrentCount int
}

type MatchListener interface {
	OnMatched(info MatchInfo)
}

type DataAvailableListener interface {
	OnDataAvailable(r *Reader)
}

// LivelinessInfo reports a matched writer going alive or not alive, as
// seen by one reader.
type LivelinessInfo struct {
	Reader     rtps.GUID
	Writer     rtps.GUID
	Alive      bool
	AliveCount int
}

type LivelinessListener interface {
	OnLivelinessChanged(info LivelinessInfo)
}

// Listeners composes the optional callbacks of an endpoint. Writers only
// use Match. Callbacks run without the endpoint lock held, so they may
// call back into the endpoint.
type Listeners struct {
	Match      MatchListener
	Data       DataAvailableListener
	Liveliness LivelinessListener
}

type MatchFunc func(info MatchInfo)

func (f MatchFunc) OnMatched(info MatchInfo) { f(info) }

type DataAvailableFunc func(r *Reader)

func (f DataAvailableFunc) OnDataAvailable(r *Reader) { f(r) }

type LivelinessFunc func(info LivelinessInfo)

func (f LivelinessFunc) OnLivelinessChanged(info LivelinessInfo) { f(info) }

// pending collects callbacks while the lock is held, to be run after it
// is released.
type pending []func()

func (p *pending) add(fn func()) {
	*p = append(*p, fn)
}

func (p *pending) run() {
	for _, fn := range *p {
		fn()
	}
}

func (l *Listeners) matched(p *pending, info MatchInfo) {
	if l.Match != nil {
		m := l.Match
		p.add(func() { m.OnMatched(info) })
	}
}

func (l *Listeners) liveliness(p *pending, info LivelinessInfo) {
	if l.Liveliness != nil {
		lv := l.Liveliness
		p.add(func() { lv.OnLivelinessChanged(info) })
	}
}
