// Package retry wraps transient external failures in exponential backoff
// with jitter. Non-retryable errors propagate immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// StatusError carries an HTTP-style status code from an external service.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// retryableStatuses are the upstream status codes treated as transient.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// Retryable reports whether |err| is worth another attempt: connection
// resets, timeouts, DNS failures, and the recognized transient statuses.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatuses[statusErr.Status]
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var msg = err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Options tunes one retry sequence.
type Options struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

func (o *Options) setDefaults() {
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.Factor == 0 {
		o.Factor = 2
	}
}

// Do runs |fn| up to Attempts times. The delay before attempt n+1 is
// BaseDelay·Factor^(n−1) scaled by a uniform jitter in [0.5, 1.5], which is
// backoff's randomization factor of 0.5.
func Do(ctx context.Context, opts Options, fn func() error) error {
	opts.setDefaults()

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.Multiplier = opts.Factor
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) || attempt == opts.Attempts {
			return err
		}

		var delay = bo.NextBackOff()
		log.WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
			"err":     err,
		}).Debug("retrying after transient error")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry canceled after attempt %d: %w (last error: %v)", attempt, ctx.Err(), err)
		}
	}
}
