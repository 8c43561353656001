package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelEvents is the LISTEN/NOTIFY channel carrying live event frames for
// the streaming bridge.
const ChannelEvents = "loom_events"

// WorkChannel names the wakeup channel for a work queue.
func WorkChannel(queue string) string {
	return "loom_work_" + queue
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// Listener is a dedicated LISTEN connection for one consumer. The bridge
// and each queue consumer hold their own listener so their blocking waits
// do not interleave.
type Listener struct {
	conn *pgx.Conn
}

// NewListener opens a dedicated connection subscribed to the given
// channels. Requires a notify DSN; callers without one fall back to
// polling.
func (db *DB) NewListener(ctx context.Context, channels ...string) (*Listener, error) {
	if db.notifyDSN == "" {
		return nil, fmt.Errorf("storage: notify DSN not configured")
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: connect listener: %w", err)
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("storage: listen %s: %w", ch, err)
		}
	}
	return &Listener{conn: conn}, nil
}

// Wait blocks until a notification arrives on any subscribed channel.
func (l *Listener) Wait(ctx context.Context) (channel, payload string, err error) {
	notification, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Close releases the listener's connection.
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
