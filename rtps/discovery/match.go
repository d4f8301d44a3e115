package discovery

import (
	"errors"
	"fmt"
	"path"

	"go.uber.org/multierr"

	"github.com/liamstask/go-rtps/rtps"
)

// ErrIncompatible is wrapped by every reason a writer and a reader do not
// match.
var ErrIncompatible = errors.New("discovery: incompatible endpoints")

func incompatible(policy string, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", policy, fmt.Sprintf(format, args...), ErrIncompatible)
}

// Match reports why w and r cannot communicate, or nil if they can. All
// failing policies are reported together.
func Match(w *WriterProxyData, r *ReaderProxyData) error {
	var err error
	if w.Topic != r.Topic {
		err = multierr.Append(err, incompatible("topic", "%q != %q", w.Topic, r.Topic))
	}
	if w.TypeName != r.TypeName {
		err = multierr.Append(err, incompatible("type", "%q != %q", w.TypeName, r.TypeName))
	}
	return multierr.Append(err, MatchQos(&w.Qos, &r.Qos))
}

// MatchQos applies the requested/offered rules: what the reader requests
// must not exceed what the writer offers.
func MatchQos(w, r *rtps.EndpointQos) error {
	var err error
	if r.Reliability.Kind == rtps.Reliable && w.Reliability.Kind != rtps.Reliable {
		err = multierr.Append(err, incompatible("reliability", "reader requests %v, writer offers %v",
			r.Reliability.Kind, w.Reliability.Kind))
	}
	if w.Durability < r.Durability {
		err = multierr.Append(err, incompatible("durability", "reader requests %d, writer offers %d",
			r.Durability, w.Durability))
	}
	if w.Ownership != r.Ownership {
		err = multierr.Append(err, incompatible("ownership", "%d != %d", w.Ownership, r.Ownership))
	}
	if w.Liveliness.Kind < r.Liveliness.Kind {
		err = multierr.Append(err, incompatible("liveliness", "reader requests kind %d, writer offers %d",
			r.Liveliness.Kind, w.Liveliness.Kind))
	}
	if w.Liveliness.LeaseDuration > r.Liveliness.LeaseDuration {
		err = multierr.Append(err, incompatible("liveliness", "writer lease %v longer than reader's %v",
			w.Liveliness.LeaseDuration, r.Liveliness.LeaseDuration))
	}
	if w.Deadline > r.Deadline {
		err = multierr.Append(err, incompatible("deadline", "writer period %v longer than reader's %v",
			w.Deadline, r.Deadline))
	}
	if w.DestinationOrder < r.DestinationOrder {
		err = multierr.Append(err, incompatible("destination order", "reader requests %d, writer offers %d",
			r.DestinationOrder, w.DestinationOrder))
	}
	if !partitionsMatch(w.Partitions, r.Partitions) {
		err = multierr.Append(err, incompatible("partition", "%q and %q share no partition",
			w.Partitions, r.Partitions))
	}
	return err
}

// partitionsMatch reports whether two partition lists intersect. An
// empty list is the default partition "". Either side may use wildcards.
func partitionsMatch(a, b []string) bool {
	if len(a) == 0 {
		a = []string{""}
	}
	if len(b) == 0 {
		b = []string{""}
	}
	for _, x := range a {
		for _, y := range b {
			if partitionMatch(x, y) {
				return true
			}
		}
	}
	return false
}

func partitionMatch(x, y string) bool {
	if x == y {
		return true
	}
	if ok, err := path.Match(x, y); err == nil && ok {
		return true
	}
	ok, err := path.Match(y, x)
	return err == nil && ok
}
