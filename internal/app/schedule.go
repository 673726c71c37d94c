package app

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts a cron expression ("0 */6 * * *", "@daily",
// "@every 6h"), a Go duration ("6h") or an HH:MM interval ("06:30").
// The last two run every interval.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := cronParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", raw, err)
		}
		return sched, nil
	}

	var every time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("schedule %q: invalid minutes", raw)
		}
		every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q (use cron like '0 */6 * * *', HH:MM like '06:00', or duration like '6h')", raw)
		}
		every = d
	}
	if every <= 0 {
		return nil, fmt.Errorf("schedule %q: interval must be > 0", raw)
	}
	return cron.Every(every), nil
}

// newScheduler builds a stopped cron runner that fires job on sched. A
// fire that lands while the previous job still runs is skipped.
func newScheduler(sched cron.Schedule, loc *time.Location, job func()) *cron.Cron {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(job))
	return c
}
