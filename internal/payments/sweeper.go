package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evmwendwa/hotspot-portal/internal/mikrotik"
)

// SweepLoop periodically deactivates expired hotspot accounts and removes
// them from the device. The router enforces limit-uptime on its own; the
// sweep keeps the ledger's active flags honest and cleans up device entries.
func (s *Service) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepExpired(ctx); err != nil {
				s.log.Error("sweep expired accounts", "error", err)
			}
		}
	}
}

// SweepExpired runs one sweep pass
func (s *Service) SweepExpired(ctx context.Context) error {
	users, err := s.store.ListExpiredActive(s.now())
	if err != nil {
		return fmt.Errorf("list expired accounts: %w", err)
	}

	for _, u := range users {
		if err := s.store.DeactivateUser(u.ID); err != nil {
			s.log.Error("deactivate expired account", "username", u.Username, "error", err)
			continue
		}

		// Not being connected anymore is the normal case.
		if err := s.device.DisconnectUser(ctx, u.Username); err != nil && !errors.Is(err, mikrotik.ErrCommand) {
			s.log.Warn("disconnect expired user", "username", u.Username, "error", err)
		}

		if err := s.device.RemoveHotspotUser(ctx, u.Username); err != nil {
			s.log.Warn("remove expired user from device", "username", u.Username, "error", err)
			s.alert(ctx, fmt.Sprintf("Failed to remove expired hotspot user %s from device: %v", u.Username, err))
			continue
		}

		s.log.Info("expired account cleaned up", "username", u.Username, "expired_at", u.ExpiresAt)
	}

	return nil
}
