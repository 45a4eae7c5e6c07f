package web

import (
	"context"
	"time"

	"github.com/Notnaton/simplewebui/internal/metrics"
)

// RunSessionCleanup removes expired sessions and idle prompt limiters every
// interval until ctx is done.
func (s *WebServer) RunSessionCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("started session cleanup background task")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cleanupSessions()
		}
	}
}

func (s *WebServer) cleanupSessions() {
	removed, err := s.DB.CleanupExpiredSessions()
	if err != nil {
		s.logger.Error().Err(err).Msg("error cleaning up expired sessions")
		return
	}
	metrics.SessionsCleaned.Add(float64(removed))
	// a limiter idle for longer than its cooldown would allow the next prompt anyway
	limiters := s.limiter.prune(s.Config.Chat.PromptCooldown + time.Minute)
	s.logger.Debug().
		Int64("removed", removed).
		Int("limiters", limiters).
		Int("render_cache_entries", s.Rendered.Len()).
		Str("render_cache_size", s.Rendered.GetCachedSizeHuman()).
		Msg("session cleanup completed")
}
