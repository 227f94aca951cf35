// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// guard is an exclusive lock whose acquisition can be abandoned by
// cancelling the context. Waiters are served in FIFO order.
type guard struct {
	sem *semaphore.Weighted
}

func newGuard() guard {
	return guard{sem: semaphore.NewWeighted(1)}
}

// Blocks until the guard is free or ctx is done. An already cancelled ctx
// fails immediately, even when the guard is free.
func (g guard) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrInterrupted, err.Error())
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(ErrInterrupted, err.Error())
	}

	return nil
}

func (g guard) unlock() {
	g.sem.Release(1)
}

// Runs fn with the guard held and releases it on every path.
func (g guard) do(ctx context.Context, fn func() error) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()

	return fn()
}
