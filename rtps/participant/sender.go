package participant

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/liamstask/go-rtps/internal/logging"
	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/transport"
)

// sender puts endpoint messages on the transport. Locators of other kinds
// are skipped; a remote participant may announce several transports.
type sender struct {
	tr transport.Transport

	mu   sync.Mutex
	warn *logging.RateLimited
}

func newSender(tr transport.Transport, log *zap.Logger) *sender {
	return &sender{tr: tr, warn: logging.NewRateLimited(log, time.Second)}
}

func (s *sender) Send(b []byte, locs []rtps.Locator) error {
	kind := s.tr.Kind()
	var err error
	for _, loc := range locs {
		if loc.Kind != kind {
			continue
		}
		err = multierr.Append(err, s.tr.Send(b, loc))
	}
	if err != nil {
		s.mu.Lock()
		s.warn.Warn("send failed", zap.Int("bytes", len(b)), zap.Error(err))
		s.mu.Unlock()
	}
	return err
}
