package vault

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Retry runs fn up to attempts times, sleeping with jittered exponential
// backoff between tries, as long as the failure is transient. The final
// error is returned on exhaustion; non-transient errors return immediately.
func Retry(ctx context.Context, attempts int, fn func() error) (err error) {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i+1 == attempts {
			break
		}

		d := b.Duration()
		log.WithFields(log.Fields{
			"attempt": i + 1,
			"backoff": d,
			"err":     err,
		}).Warn("retrying vault operation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	return err
}
