package participant

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/discovery"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/history"
	"github.com/liamstask/go-rtps/rtps/transport"
)

// maxParticipantID bounds the scan for a free participant id.
const maxParticipantID = 100

type Config struct {
	Domain uint32 `toml:"domain"`
	// ParticipantID picks the unicast ports. Negative takes the first
	// free one.
	ParticipantID int    `toml:"participant_id"`
	Name          string `toml:"name"`

	LeaseDuration             time.Duration `toml:"lease_duration"`
	AnnouncementPeriod        time.Duration `toml:"announcement_period"`
	InitialAnnouncements      int           `toml:"initial_announcements"`
	InitialAnnouncementPeriod time.Duration `toml:"initial_announcement_period"`
	LeaseCheckPeriod          time.Duration `toml:"lease_check_period"`
	// InitialPeers are host:port pairs announced to besides the
	// metatraffic multicast group.
	InitialPeers []string `toml:"initial_peers"`

	Writer         endpoint.WriterTimes `toml:"writer"`
	Reader         endpoint.ReaderTimes `toml:"reader"`
	MaxMessageSize int                  `toml:"max_message_size"`
	FragmentSize   int                  `toml:"fragment_size"`
	Pool           history.PoolConfig   `toml:"pool"`
	PayloadMaxSize int                  `toml:"payload_max_size"`

	UserData   string            `toml:"user_data"`
	Properties map[string]string `toml:"properties"`

	UDP transport.UDPConfig `toml:"udp"`
}

func DefaultConfig() Config {
	return Config{
		ParticipantID:             -1,
		Name:                      "go-rtps",
		LeaseDuration:             discovery.DefaultLeaseDuration,
		AnnouncementPeriod:        discovery.DefaultAnnouncementPeriod,
		InitialAnnouncements:      discovery.DefaultInitialAnnouncements,
		InitialAnnouncementPeriod: discovery.DefaultInitialAnnouncementPeriod,
		LeaseCheckPeriod:          discovery.DefaultLeaseCheckPeriod,
		Writer:                    endpoint.DefaultWriterTimes(),
		Reader:                    endpoint.DefaultReaderTimes(),
		MaxMessageSize:            rtps.DefaultMaxMessageSize,
		FragmentSize:              1300,
		Pool: history.PoolConfig{
			Policy:      history.PreallocatedWithRealloc,
			PayloadSize: 256,
			InitialSize: 100,
			MaxSize:     5000,
		},
		PayloadMaxSize: 64 * 1024,
		UDP:            transport.DefaultUDPConfig(),
	}
}

// LoadConfig reads a toml file over the defaults. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return cfg, fmt.Errorf("config %s: unknown keys %v", path, keys)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ParticipantID >= maxParticipantID {
		return fmt.Errorf("participant_id %d: at most %d", c.ParticipantID, maxParticipantID-1)
	}
	if _, err := c.peerLocators(); err != nil {
		return err
	}
	if c.MaxMessageSize > 0 && c.MaxMessageSize <= rtps.HeaderLen {
		return fmt.Errorf("max_message_size %d is smaller than a message header", c.MaxMessageSize)
	}
	return nil
}

func (c *Config) peerLocators() ([]rtps.Locator, error) {
	var locs []rtps.Locator
	for _, peer := range c.InitialPeers {
		host, port, err := net.SplitHostPort(peer)
		if err != nil {
			return nil, fmt.Errorf("initial peer %q: %w", peer, err)
		}
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("initial peer %q: not an ipv4 address", peer)
		}
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("initial peer %q: %w", peer, err)
		}
		locs = append(locs, rtps.NewUDPv4Locator(ip, uint16(n)))
	}
	return locs, nil
}
