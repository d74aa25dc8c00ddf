package relay

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("relay: stats schedule %q: %w", expr, err)
	}
	return sched, nil
}

// StartStatsLogger logs the relay's stats on schedule until ctx is done.
func (r *Relay) StartStatsLogger(ctx context.Context, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(r.LogStats))
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// LogStats writes one stats line at info level.
func (r *Relay) LogStats() {
	s := r.Stats()
	r.log.Info("relay stats",
		"connections", s.Connections,
		"bookings", s.Bookings,
		"frames", s.Frames,
		"malformed", s.Malformed,
		"messages", s.Messages,
		"persist_failures", s.PersistFailures,
		"deliveries", s.Deliveries,
		"dropped", s.Dropped,
		"rejected", s.Rejected,
	)
}
