// Package scheduler implements the two pure-function components of the
// core: RepeatPlanner (§4.2) and RetryPolicy (§4.3). Neither performs
// I/O or holds locks — both are deterministic given their inputs.
package scheduler

import (
	"errors"
	"time"

	"github.com/corelock/jobrunner/internal/models"
	"github.com/robfig/cron/v3"
)

// MinInterval is the floor applied to interval repeats, preventing busy
// loops when Every is very small. A zero Every does not make an interval
// spec (see models.RepeatSpec.IsInterval): with no Cron either,
// NextRunAt returns ErrNoRepeatSpec.
const MinInterval = 100 * time.Millisecond

// ErrNoRepeatSpec is returned when NextRunAt is called with a spec that
// has neither Cron nor Every set — a programmer error per spec §4.2.
var ErrNoRepeatSpec = errors.New("scheduler: repeat spec has neither cron nor interval")

// cronParser accepts both the standard 5-field dialect and an optional
// leading-seconds 6-field extension, matching spec §4.2/§6's dialect.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextRunAt computes the next eligible run instant for spec relative to
// base. For interval repeats it returns base+max(Every, MinInterval).
// For cron repeats it resolves the effective IANA timezone
// (spec.Timezone, falling back to defaultTimezone, falling back to
// UTC) and returns the first strictly-future slot after base. The
// caller (Worker) is responsible for iterating this to skip missed
// slots — this function only ever returns a single next slot.
func NextRunAt(spec models.RepeatSpec, base time.Time, defaultTimezone string) (time.Time, error) {
	switch {
	case spec.IsInterval():
		every := spec.Every
		if every < MinInterval {
			every = MinInterval
		}
		return base.Add(every), nil

	case spec.IsCron():
		loc, err := resolveLocation(spec.Timezone, defaultTimezone)
		if err != nil {
			return time.Time{}, err
		}
		schedule, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(base.In(loc)), nil

	default:
		return time.Time{}, ErrNoRepeatSpec
	}
}

func resolveLocation(specTZ, defaultTZ string) (*time.Location, error) {
	for _, name := range []string{specTZ, defaultTZ} {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc, nil
		}
	}
	return time.UTC, nil
}

// SkipMissedSlots advances base via NextRunAt until the result is
// strictly after now, implementing cron pre-scheduling's slot-skip
// behavior (spec §4.4c, §9's "Cron pre-scheduling" glossary entry):
// restarts after downtime catch up to the present without executing
// every notionally-missed slot.
func SkipMissedSlots(spec models.RepeatSpec, base, now time.Time, defaultTimezone string) (time.Time, error) {
	next := base
	for {
		n, err := NextRunAt(spec, next, defaultTimezone)
		if err != nil {
			return time.Time{}, err
		}
		next = n
		if next.After(now) {
			return next, nil
		}
	}
}
