package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Reconcile converges the declared networks toward desired. Missing
// declared networks are created, missing ports are added, and networks
// created by an earlier Reconcile that are no longer desired are deleted.
// Networks created through the API are never touched; a desired id that
// collides with one is reported as ErrNetworkExists.
//
// Each change runs on the worker pool and Reconcile waits for it.
func (m *Manager) Reconcile(ctx context.Context, desired []Declaration) (created, deleted int, err error) {
	wanted := make(map[string]struct{}, len(desired))
	var errs []error

	for _, d := range desired {
		wanted[d.ID] = struct{}{}
		d.Declared = true

		if !m.registry.Exists(d.ID) {
			m.logger.Info("reconcile: creating network", slog.String("network", d.ID))
			if err := m.run(ctx, func(tctx context.Context) error {
				return m.apply(tctx, d)
			}); err != nil {
				errs = append(errs, fmt.Errorf("reconcile %q: %w", d.ID, err))
				continue
			}
			created++
			continue
		}

		if !m.registry.Declared(d.ID) {
			errs = append(errs, fmt.Errorf("reconcile %q: %w", d.ID, ErrNetworkExists))
			continue
		}

		for _, p := range d.Ports {
			if m.registry.HasPort(d.ID, p) {
				continue
			}
			m.logger.Info("reconcile: adding port",
				slog.String("network", d.ID),
				slog.String("port", p.String()),
			)
			if err := m.run(ctx, func(tctx context.Context) error {
				return m.addPort(tctx, d.ID, p)
			}); err != nil {
				errs = append(errs, fmt.Errorf("reconcile %q: %w", d.ID, err))
			}
		}
	}

	for _, id := range m.registry.IDs() {
		if _, ok := wanted[id]; ok || !m.registry.Declared(id) {
			continue
		}
		m.logger.Info("reconcile: deleting network", slog.String("network", id))
		if err := m.run(ctx, func(tctx context.Context) error {
			return m.delete(tctx, id)
		}); err != nil && !errors.Is(err, ErrNetworkNotFound) {
			errs = append(errs, fmt.Errorf("reconcile %q: %w", id, err))
			continue
		}
		deleted++
	}

	m.logger.Info("network reconciliation complete",
		slog.Int("created", created),
		slog.Int("deleted", deleted),
	)
	return created, deleted, errors.Join(errs...)
}
