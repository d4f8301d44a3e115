package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/endpoint"
	"github.com/liamstask/go-rtps/rtps/participant"
)

var pubOpts struct {
	topic    string
	message  string
	period   time.Duration
	count    int
	keepLast int
}

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "publish numbered strings on a topic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(nil, publish)
	},
}

func init() {
	f := pubCmd.Flags()
	f.StringVarP(&pubOpts.topic, "topic", "t", "rt/chatter", "topic name")
	f.StringVarP(&pubOpts.message, "message", "m", "Hello World", "text before the counter")
	f.DurationVarP(&pubOpts.period, "period", "p", time.Second, "time between samples")
	f.IntVarP(&pubOpts.count, "count", "n", 0, "samples to publish, 0 is until interrupted")
	f.IntVar(&pubOpts.keepLast, "depth", 10, "history depth")
}

func publish(ctx context.Context, p *participant.Participant) error {
	q := rtps.DefaultWriterQos()
	q.History = rtps.HistoryQos{Kind: rtps.KeepLast, Depth: int32(pubOpts.keepLast)}
	w, err := p.CreateWriter(participant.WriterOptions{
		Topic:    pubOpts.topic,
		TypeName: stringTypeName,
		Qos:      &q,
		Listener: endpoint.MatchFunc(func(info endpoint.MatchInfo) {
			fmt.Printf("reader %v %s (%d matched)\n", info.Remote, info.Status, info.CurrentCount)
		}),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	tick := time.NewTicker(pubOpts.period)
	defer tick.Stop()
	for i := 1; pubOpts.count == 0 || i <= pubOpts.count; i++ {
		msg := fmt.Sprintf("%s: %d", pubOpts.message, i)
		if _, ok := w.Write(ctx, nil, encodeString(msg)); !ok {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("history full writing %q", msg)
		}
		fmt.Printf("Publishing: %s\n", msg)
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}

	ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !w.WaitForAcknowledgments(ackCtx) && ctx.Err() == nil {
		fmt.Println("not every reader acknowledged the last samples")
	}
	return nil
}
