package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-retry/retry/assert"
)

// ErrInvalidExpression is returned when a cron expression cannot be parsed
// due to incorrect field count, out-of-range values, or malformed syntax.
var ErrInvalidExpression = errors.New("invalid cron expression")

// ErrNoMatch is returned when Next exhausts its iteration limit without
// finding a time that satisfies all cron fields.
var ErrNoMatch = errors.New("cron: no matching time found within iteration limit")

// ErrNilSchedule is returned when Next is called on a nil schedule receiver.
var ErrNilSchedule = errors.New("cron schedule is nil")

// ErrIntervalRequired is returned when Every is given a non-positive interval.
var ErrIntervalRequired = errors.New("cron: interval must be positive")

const (
	fieldCount = 5 // fields in a standard cron expression
	splitParts = 2 // parts when splitting step or range expressions
)

// fieldSpec bounds one cron field.
type fieldSpec struct {
	name string
	min  int
	max  int
}

// Field order: minute hour day-of-month month day-of-week.
var fieldSpecs = [fieldCount]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

// fieldSet is a bitmask of the allowed values for one cron field. The
// widest field (minute) needs 60 bits, so every field fits in a uint64.
type fieldSet uint64

func (s fieldSet) has(v int) bool {
	return s&(1<<uint(v)) != 0
}

func (s *fieldSet) add(v int) {
	*s |= 1 << uint(v)
}

// Schedule represents a parsed schedule capable of computing the next
// execution time after a given reference time.
type Schedule interface {
	Next(time.Time) (time.Time, error)
}

type cronSchedule struct {
	minutes fieldSet
	hours   fieldSet
	doms    fieldSet
	months  fieldSet
	dows    fieldSet
}

// Parse parses a standard 5-field cron expression and returns a Schedule
// that can compute the next execution time. The expression format is:
// minute hour day-of-month month day-of-week
// Returns ErrInvalidExpression if the expression is malformed or contains
// out-of-range values. All computed times are UTC.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(fields))
	}

	var sets [fieldCount]fieldSet

	for i, spec := range fieldSpecs {
		set, err := parseField(fields[i], spec)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}

		sets[i] = set
	}

	return &cronSchedule{
		minutes: sets[0],
		hours:   sets[1],
		doms:    sets[2],
		months:  sets[3],
		dows:    sets[4],
	}, nil
}

// Every returns a fixed-rate Schedule that fires once per interval,
// anchored to the reference time passed to Next. Sub-minute intervals are
// allowed, which cron expressions cannot express.
func Every(interval time.Duration) (Schedule, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrIntervalRequired, interval)
	}

	return intervalSchedule(interval), nil
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(from time.Time) (time.Time, error) {
	return from.Add(time.Duration(s)), nil
}

// Next computes the next execution time strictly after the given
// reference time. It normalizes the input to UTC, advances to the next
// whole minute, and steps through candidates with month, day, and hour
// jumps. Returns the matching time in UTC, or ErrNoMatch if no match is
// found within a full leap year of minutes.
func (sched *cronSchedule) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		asserter := assert.New(context.Background(), nil, "cron", "Next")
		_ = asserter.NoError(context.Background(), ErrNilSchedule, "cannot calculate next run from nil schedule")

		return time.Time{}, ErrNilSchedule
	}

	candidate := from.UTC().Add(time.Minute).Truncate(time.Minute)

	const maxIterations = 366 * 24 * 60

	for range maxIterations {
		switch {
		case !sched.months.has(int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !sched.doms.has(candidate.Day()) || !sched.dows.has(int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !sched.hours.has(candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, time.UTC)
		case !sched.minutes.has(candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func parseField(field string, spec fieldSpec) (fieldSet, error) {
	var set fieldSet

	for _, part := range strings.Split(field, ",") {
		if err := parsePart(&set, part, spec); err != nil {
			return 0, err
		}
	}

	return set, nil
}

func parsePart(set *fieldSet, part string, spec fieldSpec) error {
	stepParts := strings.SplitN(part, "/", splitParts)
	hasStep := len(stepParts) == splitParts

	step := 1

	if hasStep {
		parsed, err := parseStep(stepParts[1])
		if err != nil {
			return err
		}

		step = parsed
	}

	lo, hi := spec.min, spec.max

	rangePart := stepParts[0]

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		parsedLo, parsedHi, err := parseRange(rangePart, spec)
		if err != nil {
			return err
		}

		lo, hi = parsedLo, parsedHi
	default:
		val, err := strconv.Atoi(rangePart)
		if err != nil {
			return fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, rangePart)
		}

		if val < spec.min || val > spec.max {
			return fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, val, spec.min, spec.max)
		}

		if !hasStep {
			set.add(val)

			return nil
		}

		// A stepped single value walks from the value to the field maximum.
		lo = val
	}

	for v := lo; v <= hi; v += step {
		set.add(v)
	}

	return nil
}

// parseStep parses and validates a cron step value, ensuring it is a positive integer.
func parseStep(raw string) (int, error) {
	step, err := strconv.Atoi(raw)
	if err != nil || step <= 0 {
		return 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, raw)
	}

	return step, nil
}

// parseRange parses a "lo-hi" range expression and validates its bounds
// against the field spec.
func parseRange(rangePart string, spec fieldSpec) (int, int, error) {
	bounds := strings.SplitN(rangePart, "-", splitParts)

	lo, err := strconv.Atoi(bounds[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range start %q", ErrInvalidExpression, bounds[0])
	}

	hi, err := strconv.Atoi(bounds[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range end %q", ErrInvalidExpression, bounds[1])
	}

	if lo < spec.min || hi > spec.max || lo > hi {
		return 0, 0, fmt.Errorf("%w: range %d-%d out of bounds [%d, %d]", ErrInvalidExpression, lo, hi, spec.min, spec.max)
	}

	return lo, hi, nil
}
