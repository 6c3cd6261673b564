// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling group of items.
package lifecycle

import (
	"context"
	"errors"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var mon = monkit.Package()

// slowClose is how long an item may take to close before the goroutines are dumped.
const slowClose = time.Minute

// Group implements a collection of items that have a
// concurrent start and are closed in reverse order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items concurrently under group g.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started []string
	for _, item := range group.items {
		if item.Run == nil {
			continue
		}
		started = append(started, item.Name)

		item := item
		g.Go(func() (err error) {
			pprof.Do(ctx, pprof.Labels("name", item.Name), func(ctx context.Context) {
				err = item.Run(ctx)
				if errors.Is(err, context.Canceled) {
					err = nil
				}
			})
			if err != nil {
				err = errs.New("%s: %w", item.Name, err)
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}

		done := make(chan struct{})
		go func() {
			timer := time.NewTimer(slowClose)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				buf := make([]byte, 1<<20)
				stack := condenseStack(buf[:runtime.Stack(buf, true)])
				group.log.Warn("slow shutdown",
					zap.String("item", item.Name),
					zap.ByteString("stack", stack))
			}
		}()

		err := item.Close()
		close(done)
		if err != nil {
			group.log.Debug("close failed", zap.String("item", item.Name), zap.Error(err))
		}
		errlist.Add(err)
	}

	return errlist.Err()
}
