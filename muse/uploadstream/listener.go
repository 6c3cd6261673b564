// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package uploadstream fans upload notifications from postgres out to
// filtered subscribers.
package uploadstream

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/muse/muse/uploads"
)

var (
	mon = monkit.Package()

	// Error is the error class for upload stream errors.
	Error = errs.Class("upload stream")
	// ErrStopped is returned once the stream stopped delivering events.
	ErrStopped = errs.Class("upload stream stopped")
)

// Config contains configurable values for the upload stream.
type Config struct {
	Channel    string `help:"postgres channel carrying upload notifications" default:"upload_notification"`
	BufferSize int    `help:"number of events buffered per subscriber before the oldest is dropped" default:"64"`
}

// Conn is a postgres connection able to receive notifications.
//
// *pgx.Conn implements it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener receives upload notifications on a single postgres channel.
type Listener struct {
	log     *zap.Logger
	conn    Conn
	channel string
}

// Open connects to databaseURL and starts listening on channel.
func Open(ctx context.Context, log *zap.Logger, databaseURL, channel string) (_ *Listener, err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, Error.New("failed to connect: %w", err)
	}

	listener, err := NewListener(ctx, log, conn, channel)
	if err != nil {
		return nil, errs.Combine(err, conn.Close(ctx))
	}
	return listener, nil
}

// NewListener starts listening on channel using conn.
func NewListener(ctx context.Context, log *zap.Logger, conn Conn, channel string) (*Listener, error) {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return nil, Error.New("failed to listen on %q: %w", channel, err)
	}
	log.Info("listening for upload notifications", zap.String("channel", channel))

	return &Listener{
		log:     log,
		conn:    conn,
		channel: channel,
	}, nil
}

// Run waits for notifications and passes every decoded upload to emit, in
// arrival order. Empty payloads are ignored. Payloads that fail to decode are
// logged and skipped. Run returns nil when ctx is canceled and an error when
// the connection fails.
func (listener *Listener) Run(ctx context.Context, emit func(uploads.Upload)) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		notification, err := listener.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return Error.New("waiting for notification: %w", err)
		}
		if notification.Channel != listener.channel || notification.Payload == "" {
			continue
		}

		upload, err := uploads.DecodePayload(notification.Payload)
		if err != nil {
			mon.Counter("notification_decode_failures").Inc(1)
			listener.log.Error("failed to decode upload notification",
				zap.String("channel", notification.Channel),
				zap.Uint32("pid", notification.PID),
				zap.Error(err))
			continue
		}

		mon.Counter("notifications_received").Inc(1)
		emit(upload)
	}
}

// Close closes the underlying connection.
func (listener *Listener) Close() error {
	return Error.Wrap(listener.conn.Close(context.Background()))
}
