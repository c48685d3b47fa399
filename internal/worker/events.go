package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/pipeline"
)

// clampPct keeps progress within the range the jobs table accepts.
func clampPct(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// observer turns pipeline stages into audit_events rows and monotonic
// progress on the job. The events double as the heartbeat the stale job
// sweeper looks at.
func (r *Runner) observer(ctx context.Context, jobID string, log zerolog.Logger) pipeline.Observer {
	return func(stage, detail string, pct int) {
		pct = clampPct(pct)
		ev := model.Event{Stage: stage, Detail: detail, TS: time.Now().UTC().Format(time.RFC3339)}
		stagesTotal.WithLabelValues(stage).Inc()
		log.Debug().Str("stage", ev.Stage).Str("detail", ev.Detail).Int("pct", pct).Msg("stage")

		if err := r.q.InsertEvent(ctx, jobID, time.Now(), ev.Stage, ev.Detail, &pct); err != nil {
			log.Warn().Err(err).Str("stage", stage).Msg("insert event failed")
		}
		if err := r.q.UpdateProgress(ctx, jobID, pct, ev.Stage+": "+ev.Detail); err != nil {
			log.Warn().Err(err).Str("stage", stage).Msg("update progress failed")
		}
	}
}
