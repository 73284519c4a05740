package lmstudio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Recover unblocks an endpoint that stopped answering within the request
// timeout: unload whatever is loaded, reload the target model, then poll
// readiness until data[0].id equals the target. The caller still fails the
// request that timed out; recovery is a side effect meant to unblock
// subsequent requests, so every step here is best effort.
func (c *Client) Recover(ctx context.Context, target string) error {
	log.Warn().Str("model", target).Msg("model call timed out; attempting endpoint recovery")

	current, err := c.LoadedModelID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("recovery: could not read loaded model id")
	}
	if current != "" {
		if err := c.UnloadModel(ctx, current); err != nil {
			log.Warn().Err(err).Str("instance_id", current).Msg("recovery: unload failed")
		}
	}
	if err := c.LoadModel(ctx, target); err != nil {
		log.Warn().Err(err).Str("model", target).Msg("recovery: load failed")
		return err
	}

	if err := sleepCtx(ctx, c.RecoveryInitialWait); err != nil {
		return err
	}
	for i := 0; i < c.RecoveryMaxPolls; i++ {
		id, err := c.LoadedModelID(ctx)
		if err != nil {
			log.Warn().Err(err).Int("poll", i+1).Msg("recovery: readiness poll failed")
		} else if id == target {
			// Give the server a moment to settle before the next request.
			if err := sleepCtx(ctx, c.RecoveryStabilizeWait); err != nil {
				return err
			}
			log.Info().Str("model", target).Msg("recovery: model reloaded and ready")
			return nil
		}
		if err := sleepCtx(ctx, c.RecoveryPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("recovery: model %q not ready after %d polls", target, c.RecoveryMaxPolls)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
