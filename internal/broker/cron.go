package broker

import (
	"time"

	"github.com/robfig/cron/v3"
)

// nextCronDuration parses a standard cron expression (5 fields, or a
// descriptor such as "@hourly") and returns the duration until the next fire
// time after from. Returns 0 on parse error.
func nextCronDuration(expr string, from time.Time) time.Duration {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(from).Sub(from)
	if d < 0 {
		return 0
	}
	return d
}
