package discovery

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/liamstask/go-rtps/rtps"
)

func TestMatchQos(t *testing.T) {
	cases := []struct {
		name     string
		writer   func(q *rtps.EndpointQos)
		reader   func(q *rtps.EndpointQos)
		failures int
	}{
		{"defaults", nil, nil, 0},
		{"reliable reader, best effort writer",
			func(q *rtps.EndpointQos) { q.Reliability.Kind = rtps.BestEffort },
			func(q *rtps.EndpointQos) { q.Reliability.Kind = rtps.Reliable }, 1},
		{"best effort reader, reliable writer", nil,
			func(q *rtps.EndpointQos) { q.Reliability.Kind = rtps.BestEffort }, 0},
		{"transient local reader, volatile writer", nil,
			func(q *rtps.EndpointQos) { q.Durability = rtps.TransientLocal }, 1},
		{"volatile reader, transient local writer",
			func(q *rtps.EndpointQos) { q.Durability = rtps.TransientLocal }, nil, 0},
		{"ownership differs",
			func(q *rtps.EndpointQos) { q.Ownership = rtps.ExclusiveOwnership }, nil, 1},
		{"writer lease too long",
			func(q *rtps.EndpointQos) { q.Liveliness.LeaseDuration = time.Minute },
			func(q *rtps.EndpointQos) { q.Liveliness.LeaseDuration = time.Second }, 1},
		{"manual reader, automatic writer", nil,
			func(q *rtps.EndpointQos) { q.Liveliness.Kind = rtps.ManualByTopicLiveliness }, 1},
		{"deadline",
			func(q *rtps.EndpointQos) { q.Deadline = time.Second },
			func(q *rtps.EndpointQos) { q.Deadline = time.Millisecond }, 1},
		{"destination order", nil,
			func(q *rtps.EndpointQos) { q.DestinationOrder = rtps.BySourceTimestamp }, 1},
		{"partitions disjoint",
			func(q *rtps.EndpointQos) { q.Partitions = []string{"a"} },
			func(q *rtps.EndpointQos) { q.Partitions = []string{"b"} }, 1},
		{"several at once",
			func(q *rtps.EndpointQos) { q.Reliability.Kind = rtps.BestEffort },
			func(q *rtps.EndpointQos) {
				q.Reliability.Kind = rtps.Reliable
				q.Durability = rtps.TransientLocal
			}, 2},
	}
	for i, tc := range cases {
		w, r := rtps.DefaultWriterQos(), rtps.DefaultReaderQos()
		if tc.writer != nil {
			tc.writer(&w)
		}
		if tc.reader != nil {
			tc.reader(&r)
		}
		err := MatchQos(&w, &r)
		if got := len(multierr.Errors(err)); got != tc.failures {
			t.Errorf("[%d] %s: %d failures want %d: %v", i, tc.name, got, tc.failures, err)
		}
		if err != nil && !errors.Is(err, ErrIncompatible) {
			t.Errorf("[%d] %s: %v does not wrap ErrIncompatible", i, tc.name, err)
		}
	}
}

func TestPartitionsMatch(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{nil, nil, true},
		{nil, []string{""}, true},
		{nil, []string{"a"}, false},
		{[]string{"a", "b"}, []string{"c", "b"}, true},
		{[]string{"sensor/*"}, []string{"sensor/left"}, true},
		{[]string{"sensor/left"}, []string{"sensor/*"}, true},
		{[]string{"sensor/?"}, []string{"sensor/xy"}, false},
		{[]string{"*"}, nil, true},
	}
	for i, tc := range cases {
		if got := partitionsMatch(tc.a, tc.b); got != tc.want {
			t.Errorf("[%d] %q vs %q got %v want %v", i, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchTopicAndType(t *testing.T) {
	w := WriterProxyData{EndpointInfo{Topic: "a", TypeName: "T", Qos: rtps.DefaultWriterQos()}}
	r := ReaderProxyData{EndpointInfo: EndpointInfo{Topic: "a", TypeName: "T", Qos: rtps.DefaultReaderQos()}}
	if err := Match(&w, &r); err != nil {
		t.Errorf("same topic and type: %v", err)
	}
	r.Topic, r.TypeName = "b", "U"
	if n := len(multierr.Errors(Match(&w, &r))); n != 2 {
		t.Errorf("got %d failures want 2", n)
	}
}
