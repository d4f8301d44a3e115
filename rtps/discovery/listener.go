package discovery

type ParticipantStatus int

const (
	ParticipantDiscovered ParticipantStatus = iota
	ParticipantChanged
	// ParticipantRemoved is an orderly exit announced by the participant.
	ParticipantRemoved
	// ParticipantDropped is a lease expiry.
	ParticipantDropped
)

func (s ParticipantStatus) String() string {
	switch s {
	case ParticipantDiscovered:
		return "discovered"
	case ParticipantChanged:
		return "changed"
	case ParticipantRemoved:
		return "removed"
	case ParticipantDropped:
		return "dropped"
	}
	return "unknown"
}

type ParticipantDiscoveryInfo struct {
	Status ParticipantStatus
	Data   ParticipantProxyData
}

// ParticipantListener hears about remote participants. It is called
// without discovery locks held, from a receive or timer goroutine.
type ParticipantListener interface {
	OnParticipantDiscovery(info ParticipantDiscoveryInfo)
}

type ParticipantFunc func(info ParticipantDiscoveryInfo)

func (f ParticipantFunc) OnParticipantDiscovery(info ParticipantDiscoveryInfo) { f(info) }
