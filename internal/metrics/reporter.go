package metrics

import (
	"context"
	"log/slog"
	"time"
)

// RunReporter logs engine counts every interval until ctx is canceled.
// Idle intervals are not logged.
func RunReporter(ctx context.Context, src StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := src.Stats()
			if st.Connections == 0 {
				continue
			}
			slog.Info("engine stats",
				"connections", st.Connections,
				"identities_connected", st.ConnectedIdentities,
				"identities", st.Identities,
				"rooms", st.Rooms,
				"listeners", st.Listeners,
			)
		}
	}
}
