package service

import (
	"context"

	"github.com/Fi44er/esim_bot/internal/esim"
)

const catalogKey = "packages"

// Packages returns the purchasable package list, served from the TTL cache
// to keep menu renders off the provider.
func (s *Service) Packages(ctx context.Context) ([]esim.Package, error) {
	if packages, ok := s.catalog.Get(catalogKey); ok {
		return packages, nil
	}

	packages, err := s.provider.Packages(ctx)
	if err != nil {
		return nil, err
	}

	s.catalog.Set(catalogKey, packages)
	return packages, nil
}
