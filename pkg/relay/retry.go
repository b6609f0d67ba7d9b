// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrNoWebhook is returned by senders when a channel has no usable webhook
// and no bot fallback is possible.
var ErrNoWebhook = errors.New("no webhook available for channel")

// RetryAfterError asks the retrying sender to wait at least After before the
// next attempt, typically from a Retry-After response header.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryingSender wraps a Sender with a bounded exponential backoff. Errors
// wrapped with [Permanent] are returned immediately.
type RetryingSender struct {
	Sender
	maxRetries      uint64
	initialInterval time.Duration
	log             zerolog.Logger
}

// NewRetryingSender wraps s with up to maxRetries retries per send.
func NewRetryingSender(s Sender, maxRetries uint64, log zerolog.Logger) *RetryingSender {
	return &RetryingSender{
		Sender:          s,
		maxRetries:      maxRetries,
		initialInterval: 500 * time.Millisecond,
		log:             log.With().Str("component", "retry").Str("platform", string(s.Platform())).Logger(),
	}
}

// hintedBackOff stretches the next interval to a server-provided delay.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next != backoff.Stop && h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}

func (r *RetryingSender) Send(ctx context.Context, target *DeliveryTarget) (*SendResult, error) {
	hinted := &hintedBackOff{BackOff: backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.initialInterval),
		backoff.WithMaxElapsedTime(0),
	)}
	b := backoff.WithContext(backoff.WithMaxRetries(hinted, r.maxRetries), ctx)
	attempt := 0
	op := func() (*SendResult, error) {
		attempt++
		res, err := r.Sender.Send(ctx, target)
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			hinted.hint = ra.After
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		r.log.Warn().Err(err).
			Int("attempt", attempt).
			Str("channel_id", target.ChannelID).
			Dur("retry_in", next).
			Msg("Send failed, retrying")
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}
