// Package registry exposes the product registry surface: listing and
// windowed queries over conversion artifacts, and the explicit retire
// operation. Rows enter the registry only through the queue's Complete
// transaction or the sweeper's validated re-registration; this package never
// creates them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fringe/internal/events"
	"fringe/internal/logging"
	"fringe/internal/queue"
	"fringe/internal/services"
)

// Service wraps the store's product operations for IPC and CLI callers.
type Service struct {
	store  *queue.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewService constructs the registry surface.
func NewService(store *queue.Store, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:  store,
		bus:    bus,
		logger: logger.With(logging.String("component", "registry")),
	}
}

// List returns every registry row, newest first.
func (s *Service) List(ctx context.Context) ([]*queue.Product, error) {
	return s.store.ListProducts(ctx)
}

// Missing returns rows whose artifacts are currently absent from storage.
func (s *Service) Missing(ctx context.Context) ([]*queue.Product, error) {
	return s.store.MissingProducts(ctx)
}

// ByFingerprint looks up one product.
func (s *Service) ByFingerprint(ctx context.Context, fingerprint string) (*queue.Product, error) {
	product, err := s.store.ProductByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, services.Wrap(services.ErrNotFound, "registry", "lookup",
			fmt.Sprintf("no product registered for fingerprint %s", fingerprint), nil)
	}
	return product, nil
}

// ForGroup returns the products registered for a group key.
func (s *Service) ForGroup(ctx context.Context, groupKey string) ([]*queue.Product, error) {
	return s.store.ProductsForGroup(ctx, groupKey)
}

// InWindow returns products whose group keys fall inside a capture-time
// window.
func (s *Service) InWindow(ctx context.Context, since, until time.Time) ([]*queue.Product, error) {
	return s.store.ProductsInWindow(ctx, since, until)
}

// Retire removes a registry row. The artifact stays on disk; a later sweep
// re-registers it as reconciled if it still validates, so retiring a live
// artifact is reversible.
func (s *Service) Retire(ctx context.Context, fingerprint string) (*queue.Product, error) {
	product, err := s.ByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	removed, err := s.store.RetireProduct(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("retire product %s: %w", fingerprint, err)
	}
	if !removed {
		return nil, services.Wrap(services.ErrNotFound, "registry", "retire",
			fmt.Sprintf("no product registered for fingerprint %s", fingerprint), nil)
	}

	if s.bus != nil {
		s.bus.Publish(events.GroupEvent(events.TypeProductRetired, product.GroupKey, "product retired").
			WithField("fingerprint", fingerprint).
			WithField("artifact", product.ArtifactPath))
	}
	s.logger.Info("product retired",
		logging.String(logging.FieldGroupKey, product.GroupKey),
		logging.String("fingerprint", fingerprint),
		logging.String("artifact", product.ArtifactPath),
		logging.String(logging.FieldImpact, "the artifact remains on disk; the next sweep may re-register it"),
	)
	return product, nil
}
