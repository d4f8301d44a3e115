package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
	"github.com/liamstask/go-rtps/rtps/participant"
)

var subOpts struct {
	topic      string
	bestEffort bool
}

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "print the strings published on a topic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParticipant(printEvents, subscribe)
	},
}

func init() {
	f := subCmd.Flags()
	f.StringVarP(&subOpts.topic, "topic", "t", "rt/chatter", "topic name")
	f.BoolVar(&subOpts.bestEffort, "best-effort", false, "do not ask writers to repair losses")
}

func subscribe(ctx context.Context, p *participant.Participant) error {
	q := rtps.DefaultReaderQos()
	if !subOpts.bestEffort {
		q.Reliability.Kind = rtps.Reliable
	}
	r, err := p.CreateReader(participant.ReaderOptions{
		Topic:    subOpts.topic,
		TypeName: stringTypeName,
		Qos:      &q,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	for r.WaitForUnreadMessage(ctx) {
		for s, ok := r.TakeNextSample(); ok; s, ok = r.TakeNextSample() {
			if s.Info.Kind != history.Alive {
				fmt.Printf("writer %v: %s\n", s.Info.WriterGUID, s.Info.Kind)
				continue
			}
			msg, err := decodeString(s.Data)
			if err != nil {
				fmt.Printf("writer %v seq %d: %v\n", s.Info.WriterGUID, s.Info.SeqNum, err)
				continue
			}
			fmt.Printf("I heard: %s\n", msg)
		}
	}
	return nil
}
