// Package notify implements the workers' wake signal: a dedicated Postgres
// connection LISTENing on the queue channels. Notifications are best-effort;
// queue correctness depends only on polling, so every failure path here
// degrades to "the worker polls".
package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ade-io/ade/log"
)

// Channels the queue triggers notify on.
const (
	ChannelRunQueued = "ade_run_queued"
	ChannelEnvQueued = "ade_env_queued"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Listener holds one dedicated connection subscribed to queue channels and
// turns notifications into a level-triggered signal.
type Listener struct {
	databaseURL string
	channels    []string
	logger      *log.Logger

	// signal is buffered with capacity 1: repeated notifications coalesce
	// into a single pending wake.
	signal chan struct{}
}

// NewListener creates a Listener for the given channels. Run must be called
// to start it.
func NewListener(databaseURL string, logger *log.Logger, channels ...string) *Listener {
	if len(channels) == 0 {
		channels = []string{ChannelRunQueued, ChannelEnvQueued}
	}
	return &Listener{
		databaseURL: databaseURL,
		channels:    channels,
		logger:      logger,
		signal:      make(chan struct{}, 1),
	}
}

// Run maintains the LISTEN connection until ctx is done, reconnecting with
// capped exponential backoff. Always returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("queue listener disconnected", map[string]any{
			"error":             err.Error(),
			"reconnect_seconds": backoff.Seconds(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	l.logger.Info("queue listener connected", map[string]any{"channels": l.channels})

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		l.wake()
	}
}

// wake records a pending signal without blocking.
func (l *Listener) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until a notification arrives, d elapses, or ctx is done.
// It reports whether a notification cut the wait short.
func (l *Listener) Wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.signal:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
