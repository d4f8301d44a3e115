package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamstask/go-rtps/rtps/participant"
)

var watchFor time.Duration

var participantsCmd = &cobra.Command{
	Use:   "participants",
	Short: "report participants joining and leaving the domain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(printEvents, watch)
	},
}

func init() {
	participantsCmd.Flags().DurationVar(&watchFor, "for", 0, "stop after this long and list who is left, 0 is until interrupted")
}

func watch(ctx context.Context, p *participant.Participant) error {
	if watchFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFor)
		defer cancel()
	}
	<-ctx.Done()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tNAME\tVENDOR\tLEASE\tUNICAST")
	for _, d := range p.Participants() {
		fmt.Fprintf(tw, "%v\t%s\t%04x\t%v\t%v\n", d.GUIDPrefix, d.Name, d.VendorID, d.LeaseDuration, d.MetaUnicast)
	}
	return tw.Flush()
}
