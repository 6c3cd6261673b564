// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package muse wires the submission pipeline, the upload store and the
// notification stream into a runnable peer.
package muse

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/muse/muse/museweb"
	"storj.io/muse/muse/songscore"
	"storj.io/muse/muse/submission"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/muse/uploadstream"
	"storj.io/muse/private/healthcheck"
	"storj.io/muse/private/lifecycle"
)

var mon = monkit.Package()

// DB is the muse database.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest brings the schema to the latest version.
	MigrateToLatest(ctx context.Context) error
	// CheckVersion confirms that the schema is migrated to the latest version.
	CheckVersion(ctx context.Context) error
	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error
	// Uploads returns the uploads table.
	Uploads() uploads.DB
	// Close closes the database.
	Close() error
}

// Config is the global configuration for muse.
type Config struct {
	DatabaseURL string `help:"postgres url of the uploads database, also used for notifications" default:"postgres://postgres@localhost/muse?sslmode=disable"`

	SongScore   songscore.Config
	Submission  submission.Config
	Stream      uploadstream.Config
	Web         museweb.Config
	HealthCheck healthcheck.Config
}

// Peer is the muse process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	SongScore struct {
		Client *songscore.Client
	}

	Submission struct {
		Pipeline *submission.Pipeline
		Service  *submission.Service
	}

	Stream struct {
		Source uploadstream.Source
		Router *uploadstream.Router
	}

	Web struct {
		Listener net.Listener
		Server   *museweb.Server
	}

	HealthCheck struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}
}

// New creates a new muse peer. source delivers the upload notifications,
// usually an *uploadstream.Listener.
func New(log *zap.Logger, db DB, source uploadstream.Source, config *Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup song and score
		peer.SongScore.Client = songscore.NewClient(log.Named("songscore"), config.SongScore)
	}

	{ // setup submissions
		peer.Submission.Pipeline = submission.NewPipeline(log.Named("submission:pipeline"),
			peer.SongScore.Client, config.Submission.StageTimeout)
		peer.Submission.Service = submission.NewService(log.Named("submission:service"),
			peer.DB.Uploads(), peer.Submission.Pipeline, config.Submission)

		peer.Services.Add(lifecycle.Item{
			Name:  "submission:service",
			Close: peer.Submission.Service.Close,
		})
	}

	{ // setup notification stream
		peer.Stream.Source = source
		peer.Stream.Router = uploadstream.NewRouter(log.Named("stream"), config.Stream.BufferSize)

		peer.Services.Add(lifecycle.Item{
			Name: "stream",
			Run: func(ctx context.Context) error {
				return peer.Stream.Router.Run(ctx, peer.Stream.Source)
			},
			Close: peer.Stream.Router.Close,
		})
	}

	{ // setup web api
		var err error
		peer.Web.Listener, err = net.Listen("tcp", config.Web.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Log.Info("Public HTTP API listening", zap.Stringer("address", peer.Web.Listener.Addr()))

		peer.Web.Server = museweb.NewServer(log.Named("web"), peer.Web.Listener, config.Web,
			museweb.NewHeaderAuth(config.Web.UserHeader),
			peer.Submission.Service, peer.DB.Uploads(), peer.Stream.Router)

		peer.Servers.Add(lifecycle.Item{
			Name:  "web",
			Run:   peer.Web.Server.Run,
			Close: peer.Web.Server.Close,
		})
	}

	if config.HealthCheck.Enabled { // setup health check
		var err error
		peer.HealthCheck.Listener, err = net.Listen("tcp", config.HealthCheck.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.HealthCheck.Server = healthcheck.NewServer(log.Named("healthcheck"), peer.HealthCheck.Listener,
			healthcheck.Check{CheckName: "database", Probe: peer.DB.Ping},
			healthcheck.Check{CheckName: "stream", Probe: func(ctx context.Context) error {
				return peer.Stream.Router.Err()
			}},
		)

		peer.Servers.Add(lifecycle.Item{
			Name:  "healthcheck",
			Run:   peer.HealthCheck.Server.Run,
			Close: peer.HealthCheck.Server.Close,
		})
	}

	return peer, nil
}

// Run runs muse until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "muse"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// WebAddr returns the address of the HTTP API.
func (peer *Peer) WebAddr() string { return peer.Web.Listener.Addr().String() }
