package assistant

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"taskpilot/internal/models"
	"taskpilot/internal/provider/factory"
)

// TestKey probes an ad-hoc credential without storing anything.
func (s *Service) TestKey(ctx context.Context, credential string, id models.ProviderID) factory.ConnectionResult {
	result := s.factory.TestConnection(ctx, strings.TrimSpace(credential), id)
	s.observeTest(result)
	return result
}

// TestCredential probes the user's stored key for id and records the outcome.
func (s *Service) TestCredential(ctx context.Context, userID string, id models.ProviderID) (factory.ConnectionResult, error) {
	key, err := s.credentials.Get(ctx, userID, id)
	if err != nil {
		return factory.ConnectionResult{}, fmt.Errorf("load %s credential: %w", id, err)
	}

	result := s.factory.TestConnection(ctx, key, id)
	s.observeTest(result)

	if err := s.credentials.RecordTest(ctx, userID, id, result); err != nil {
		return result, fmt.Errorf("record %s test: %w", id, err)
	}
	return result, nil
}

// TestAllCredentials probes every stored key concurrently. Results follow the
// order of the stored keys.
func (s *Service) TestAllCredentials(ctx context.Context, userID string) ([]factory.ConnectionResult, error) {
	ids, err := s.credentials.Providers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	results := make([]factory.ConnectionResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			result, err := s.TestCredential(gctx, userID, id)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) observeTest(result factory.ConnectionResult) {
	s.logger.Info().
		Str("provider", string(result.Provider)).
		Bool("success", result.Success).
		Str("error_code", string(result.ErrorCode)).
		Msg("connection test")
	if s.metrics != nil {
		s.metrics.ObserveConnectionTest(string(result.Provider), result.Success)
	}
}
