// Package board ties the per-kind outbox queues together: it forwards
// reconciled column ids into the tasks queue, runs bulk column operations
// and fans lifecycle calls out to every queue.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/outbox"
)

// Config carries one queue config per kind. Missing kinds use
// outbox.DefaultConfig.
type Config struct {
	Queues map[domain.Kind]outbox.Config
}

func (c Config) queue(kind domain.Kind) outbox.Config {
	if qc, ok := c.Queues[kind]; ok {
		return qc
	}
	return outbox.DefaultConfig()
}

type Board struct {
	Tasks    *outbox.Queue[domain.Task]
	Columns  *outbox.Queue[domain.Column]
	Projects *outbox.Queue[domain.Project]
	Users    *outbox.Queue[domain.User]
	Clients  *outbox.Queue[domain.Client]

	logger *log.Logger
	byKind map[domain.Kind]outbox.Collection
}

// New builds one queue per kind sharing remote and bridge. bridge may be nil.
func New(remote outbox.Remote, bridge outbox.Bridge, cfg Config, logger *log.Logger) *Board {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Board{
		Tasks:    outbox.New[domain.Task](domain.KindTask, remote, bridge, cfg.queue(domain.KindTask), logger),
		Columns:  outbox.New[domain.Column](domain.KindColumn, remote, bridge, cfg.queue(domain.KindColumn), logger),
		Projects: outbox.New[domain.Project](domain.KindProject, remote, bridge, cfg.queue(domain.KindProject), logger),
		Users:    outbox.New[domain.User](domain.KindUser, remote, bridge, cfg.queue(domain.KindUser), logger),
		Clients:  outbox.New[domain.Client](domain.KindClient, remote, bridge, cfg.queue(domain.KindClient), logger),
		logger:   logger,
	}
	b.byKind = map[domain.Kind]outbox.Collection{
		domain.KindTask:    b.Tasks,
		domain.KindColumn:  b.Columns,
		domain.KindProject: b.Projects,
		domain.KindUser:    b.Users,
		domain.KindClient:  b.Clients,
	}
	b.Columns.OnReconcile(func(temp, real domain.EntityID) {
		b.Tasks.RewriteScope(temp, real)
	})
	return b
}

func (b *Board) Collection(kind domain.Kind) (outbox.Collection, error) {
	c, ok := b.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return c, nil
}

func (b *Board) collections() []outbox.Collection {
	out := make([]outbox.Collection, 0, len(domain.Kinds))
	for _, k := range domain.Kinds {
		out = append(out, b.byKind[k])
	}
	return out
}

// each runs fn on every queue concurrently and joins the errors.
func (b *Board) each(fn func(outbox.Collection) error) error {
	cols := b.collections()
	errs := make([]error, len(cols))
	var wg sync.WaitGroup
	for i, c := range cols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(c); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Kind(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Hydrate restores every queue from the bridge.
func (b *Board) Hydrate(ctx context.Context) error {
	return b.each(func(c outbox.Collection) error { return c.Hydrate(ctx) })
}

// Online flushes every queue without waiting for the debounce.
func (b *Board) Online(ctx context.Context) error {
	return b.each(func(c outbox.Collection) error { return c.Online(ctx) })
}

func (b *Board) Flush(ctx context.Context) error {
	return b.each(func(c outbox.Collection) error { return c.Flush(ctx) })
}

// Refresh refetches every collection. A refresh superseded by a newer one
// is not an error.
func (b *Board) Refresh(ctx context.Context) error {
	return b.each(func(c outbox.Collection) error {
		if err := c.Refresh(ctx); err != nil && !errors.Is(err, domain.ErrSuperseded) {
			return err
		}
		return nil
	})
}

func (b *Board) RetryAll() error {
	return b.each(func(c outbox.Collection) error { return c.RetryAll() })
}

func (b *Board) Close(ctx context.Context) error {
	return b.each(func(c outbox.Collection) error { return c.Close(ctx) })
}

func (b *Board) Stats() []outbox.Stats {
	out := make([]outbox.Stats, 0, len(domain.Kinds))
	for _, c := range b.collections() {
		out = append(out, c.Stats())
	}
	return out
}

func (b *Board) HasUnsynced() bool {
	for _, c := range b.collections() {
		if c.HasUnsynced() {
			return true
		}
	}
	return false
}

func (b *Board) HasErrors() bool {
	for _, c := range b.collections() {
		if c.HasErrors() {
			return true
		}
	}
	return false
}
