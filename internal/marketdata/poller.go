package marketdata

import (
	"context"
	"time"

	"predictarb/pkg/types"
)

// pollLoop periodically fetches the REST book for every tracked outcome and
// feeds it through the normal ApplyBook path with source "poll". This keeps
// detectors alive through websocket outages at the cost of latency.
func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context) {
	s.mu.RLock()
	targets := make(map[string]types.Venue, len(s.tracked))
	for id, v := range s.tracked {
		targets[id] = v
	}
	s.mu.RUnlock()

	for outcomeID, v := range targets {
		if ctx.Err() != nil {
			return
		}
		client, ok := s.clients[v]
		if !ok {
			continue
		}
		book, err := client.GetOrderBook(ctx, outcomeID)
		if err != nil {
			s.logger.Debug("poll failed", "outcome", outcomeID, "error", err)
			continue
		}
		s.ApplyBook(*book, "poll")
	}
}
