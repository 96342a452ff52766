package gatekeeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/keys"
	"github.com/developingchet/keygate/internal/metrics"
)

// Sweeper removes expired abuse records.
type Sweeper interface {
	Sweep() (int, error)
}

// KeyCounter reports key totals by state.
type KeyCounter interface {
	Counts() map[keys.State]int
}

// runJanitor runs periodic background maintenance tasks:
//   - Sweep expired temporary blocks and stale window counters.
//   - Update the keygate_keys and keygate_state_file_bytes gauges.
//
// It returns when ctx is cancelled.
func runJanitor(ctx context.Context, sw Sweeper, kc KeyCounter, paths []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			janitorPass(sw, kc, paths)
		}
	}
}

func janitorPass(sw Sweeper, kc KeyCounter, paths []string) {
	if n, err := sw.Sweep(); err != nil {
		log.Warn().Err(err).Msg("janitor: sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("janitor: expired blocks removed")
	}
	updateKeyGauge(kc)
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			metrics.StateFileBytes.WithLabelValues(filepath.Base(path)).Set(float64(info.Size()))
		}
	}
}

func updateKeyGauge(kc KeyCounter) {
	counts := kc.Counts()
	for _, s := range []keys.State{keys.Active, keys.Expired, keys.Removed} {
		metrics.Keys.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
