package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/usecase/scheduling"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// intervalPeriod is the nominal spacing of each interval.
var intervalPeriod = map[domain.ScheduleInterval]time.Duration{
	domain.IntervalHourly:      time.Hour,
	domain.IntervalEvery4Hours: 4 * time.Hour,
	domain.IntervalDaily:       day,
	domain.IntervalWeekly:      week,
}

// NextRun computes when a scheduled trigger is next due.
//
// Hourly and every-4-hours triggers, and daily/weekly triggers without a
// specific time or weekday, fire once their period has elapsed since
// lastExecutedAt. Daily triggers with a time fire at the first occurrence of
// that time after the last run; weekly triggers fire on DayOfWeek at
// SpecificTime (midnight when omitted), defaulting the weekday to the one of
// the last run. A trigger that never ran is due at once for pure intervals,
// or at its first occurrence from the start of today otherwise.
//
// ok is false when the trigger is malformed; it then never fires.
func NextRun(trig domain.ScheduledTrigger, lastExecutedAt *time.Time, now time.Time) (next time.Time, ok bool) {
	sched, fixed, ok := buildSchedule(trig, lastExecutedAt, now)
	if !ok {
		return time.Time{}, false
	}
	if lastExecutedAt == nil {
		if !fixed {
			return time.Time{}, true
		}
		return sched.Next(domain.StartOfDay(now).Add(-time.Second)), true
	}
	return sched.Next(*lastExecutedAt), true
}

// IsDue reports whether trig has passed its next occurrence at now. A tick
// landing exactly on the occurrence is not due yet.
func IsDue(trig domain.ScheduledTrigger, lastExecutedAt *time.Time, now time.Time) bool {
	next, ok := NextRun(trig, lastExecutedAt, now)
	return ok && now.After(next)
}

// NextScheduledRun is the earliest next occurrence over all scheduled
// triggers of ic, or nil when it has none that are valid.
func NextScheduledRun(ic domain.InstructionCard, now time.Time) *time.Time {
	var earliest *time.Time
	for _, t := range ic.TriggersOf(domain.TriggerScheduled) {
		if t.Scheduled == nil {
			continue
		}
		next, ok := NextRun(*t.Scheduled, ic.LastExecutedAt, now)
		if !ok {
			continue
		}
		if next.IsZero() {
			next = now
		}
		if earliest == nil || next.Before(*earliest) {
			n := next
			earliest = &n
		}
	}
	return earliest
}

// buildSchedule maps a trigger to a cron schedule. fixed reports whether the
// schedule is pinned to a wall-clock time rather than an elapsed interval.
func buildSchedule(trig domain.ScheduledTrigger, last *time.Time, now time.Time) (sched cron.Schedule, fixed, ok bool) {
	period, ok := intervalPeriod[trig.Interval]
	if !ok {
		return nil, false, false
	}

	switch trig.Interval {
	case domain.IntervalHourly, domain.IntervalEvery4Hours:
		return scheduling.NewConstantDelay(period), false, true

	case domain.IntervalDaily:
		if trig.SpecificTime == "" {
			return scheduling.NewConstantDelay(period), false, true
		}
		hour, minute, ok := parseClock(trig.SpecificTime)
		if !ok {
			return nil, false, false
		}
		s, err := scheduling.NewTimeOfDay(hour, minute, nil, now.Location())
		if err != nil {
			return nil, false, false
		}
		return s, true, true

	case domain.IntervalWeekly:
		if trig.SpecificTime == "" && trig.DayOfWeek == nil {
			return scheduling.NewConstantDelay(period), false, true
		}
		hour, minute := 0, 0
		if trig.SpecificTime != "" {
			var ok bool
			hour, minute, ok = parseClock(trig.SpecificTime)
			if !ok {
				return nil, false, false
			}
		}
		var weekday time.Weekday
		switch {
		case trig.DayOfWeek != nil:
			if *trig.DayOfWeek < 0 || *trig.DayOfWeek > 6 {
				return nil, false, false
			}
			weekday = time.Weekday(*trig.DayOfWeek)
		case last != nil:
			weekday = last.In(now.Location()).Weekday()
		default:
			weekday = now.Weekday()
		}
		s, err := scheduling.NewTimeOfDay(hour, minute, &weekday, now.Location())
		if err != nil {
			return nil, false, false
		}
		return s, true, true
	}
	return nil, false, false
}

// parseClock parses "HH:mm".
func parseClock(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}
