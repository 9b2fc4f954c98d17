package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/alert"
	"github.com/developingchet/admission-engine/internal/metrics"
)

// RunJanitor runs periodic background maintenance:
//   - Probe the store so connectivity flaps land in the log with a
//     timestamp, not just as scattered per-request degradations.
//   - Refresh the alert outbox depth gauge.
//
// State keys carry TTLs and expire on their own; there is nothing to
// sweep. Returns when ctx is canceled.
func RunJanitor(ctx context.Context, pinger Pinger, outbox *alert.Outbox, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := pinger.Ping(pingCtx)
			cancel()
			switch {
			case err != nil && healthy:
				healthy = false
				log.Warn().Err(err).Msg("janitor: store unreachable")
			case err == nil && !healthy:
				healthy = true
				log.Info().Msg("janitor: store recovered")
			}

			if outbox != nil {
				metrics.AlertOutboxDepth.Set(float64(outbox.Depth()))
			}
		}
	}
}
