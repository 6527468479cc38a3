package coordinator

import (
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// publish rebuilds the view from the ledger and swaps it in.
func (c *Coordinator) publish(now time.Time) {
	rows := make([]types.Row, 0, c.ledger.Len())
	c.ledger.Each(func(job *types.Job) {
		rows = append(rows, c.row(job))
	})
	c.version++
	c.view.Store(&types.View{
		Session:   c.cfg.Session,
		Version:   c.version,
		TakenAt:   now,
		SchemaVer: types.ViewSchemaVersion,
		Rows:      rows,
	})
	c.dirty = false
	c.metrics.SetLedgerStats(c.ledger.Stats())
}

// row builds the presentation of one job. Error text is redacted.
func (c *Coordinator) row(job *types.Job) types.Row {
	r := types.Row{
		ID:            job.ID,
		Location:      job.Location,
		Parse:         stageView(&job.Parse, c.redact),
		Report:        stageView(&job.Report, c.redact),
		Stats:         stageView(&job.Stats, c.redact),
		ReportRetries: job.ReportRetries,
	}

	enc, parsed := job.Parse.Value()
	if parsed {
		r.Category = enc.Category
	}
	if rep, ok := job.Report.Value(); ok {
		r.ReportURL = rep.Permalink
		if _, known := rep.Encounter.Mode().Format(); known {
			enc.Mode = rep.Encounter.Mode()
		}
	}
	if parsed {
		r.Encounter = enc.Label()
	}
	if st, ok := job.Stats.Value(); ok {
		accepted := st.Accepted
		r.StatsAccepted = &accepted
		r.StatsURL = st.URL
	}
	return r
}

func stageView[T any](s *types.Step[T], redact func(string) string) types.StageView {
	v := types.StageView{State: s.State()}
	if err := s.Err(); err != nil {
		v.Error = redact(err.Error())
	}
	if at, ok := s.RetryAt(); ok {
		v.RetryAt = &at
	}
	return v
}
