package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps/discovery"
	"github.com/liamstask/go-rtps/rtps/participant"
	"github.com/liamstask/go-rtps/rtps/transport"
)

const usage = `rtpsd joins an RTPS domain over UDP.

EXAMPLES:
  Print what the ROS 2 demo talker says:
    rtpsd sub --topic rt/chatter

  Publish a line every half second on domain 3:
    rtpsd pub --domain 3 --period 500ms --message hello

  Watch participants come and go:
    rtpsd participants`

var (
	configPath string
	domain     int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "rtpsd",
	Short:        "Run an RTPS participant",
	Long:         usage,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "participant config file (toml)")
	f.IntVarP(&domain, "domain", "d", -1, "domain id, overrides the config file")
	f.BoolVarP(&verbose, "verbose", "v", false, "development logging")
	rootCmd.AddCommand(pubCmd, subCmd, participantsCmd)
}

func loadConfig() (participant.Config, error) {
	cfg := participant.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = participant.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	if domain >= 0 {
		cfg.Domain = uint32(domain)
	}
	return cfg, cfg.Validate()
}

// printEvents reports remote participants on stdout.
var printEvents = discovery.ParticipantFunc(func(info discovery.ParticipantDiscoveryInfo) {
	fmt.Printf("participant %s: %v %q\n", info.Status, info.Data.GUIDPrefix, info.Data.Name)
})

// runParticipant brings up a participant on UDP, calls run until it
// returns or the process is interrupted, then shuts everything down.
func runParticipant(l discovery.ParticipantListener, run func(ctx context.Context, p *participant.Participant) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	reg, err := participant.Init(log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, reg.Shutdown()) }()

	tr, err := transport.NewUDP(cfg.UDP, log)
	if err != nil {
		return err
	}
	p, err := reg.NewParticipant(cfg, tr, l)
	if err != nil {
		return err
	}
	log.Info("joined domain",
		zap.Uint32("domain", p.Domain()), zap.Int("participant_id", p.ID()), zap.Stringer("prefix", p.GUIDPrefix()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run(ctx, p) })
	return g.Wait()
}
