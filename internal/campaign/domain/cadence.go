package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for cadence plans.
var (
	ErrInvalidPlan = errors.New("invalid cadence plan")
	ErrInvalidSlot = errors.New("invalid cadence slot")
)

// CadenceSlot positions one attempt relative to the campaign start. It
// is either a minute offset (test cadences) or a weekday plus time of
// day (production cadences); exactly one form must be set.
type CadenceSlot struct {
	OffsetMinutes *int          `json:"offset_minutes,omitempty"`
	Weekday       *time.Weekday `json:"weekday,omitempty"`
	TimeOfDay     string        `json:"time_of_day,omitempty"`
}

// OffsetSlot builds a minute-offset slot.
func OffsetSlot(minutes int) CadenceSlot {
	return CadenceSlot{OffsetMinutes: &minutes}
}

// WeeklySlot builds a weekday/time-of-day slot.
func WeeklySlot(weekday time.Weekday, timeOfDay string) CadenceSlot {
	return CadenceSlot{Weekday: &weekday, TimeOfDay: timeOfDay}
}

// Validate checks that exactly one slot form is populated and well formed.
func (s CadenceSlot) Validate() error {
	switch {
	case s.OffsetMinutes != nil:
		if s.Weekday != nil || s.TimeOfDay != "" {
			return fmt.Errorf("%w: offset and weekday forms are mutually exclusive", ErrInvalidSlot)
		}
		if *s.OffsetMinutes < 0 {
			return fmt.Errorf("%w: offset must not be negative", ErrInvalidSlot)
		}
	case s.Weekday != nil:
		if *s.Weekday < time.Sunday || *s.Weekday > time.Saturday {
			return fmt.Errorf("%w: unknown weekday %d", ErrInvalidSlot, *s.Weekday)
		}
		if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: either offset_minutes or weekday is required", ErrInvalidSlot)
	}
	return nil
}

// resolve maps the slot to a concrete timestamp relative to startedAt.
// Weekly slots already elapsed within the start week roll forward to the
// same slot one week later.
func (s CadenceSlot) resolve(startedAt time.Time, loc *time.Location) time.Time {
	if s.OffsetMinutes != nil {
		return startedAt.Add(time.Duration(*s.OffsetMinutes) * time.Minute)
	}

	hour, minute, _ := parseTimeOfDay(s.TimeOfDay)
	base := startedAt.In(loc)
	daysAhead := (int(*s.Weekday) - int(base.Weekday()) + 7) % 7
	due := time.Date(base.Year(), base.Month(), base.Day()+daysAhead, hour, minute, 0, 0, loc)
	if !due.After(base) {
		due = due.AddDate(0, 0, 7)
	}
	return due
}

// CadencePlan is the per-record attempt schedule: an ordered list of
// call slots followed by the email step, plus an optional deferred email
// bundled with the calls. Plans are persisted on the record so that a
// record's timing never drifts with global configuration changes.
type CadencePlan struct {
	Timezone  string        `json:"timezone,omitempty"`
	CallSlots []CadenceSlot `json:"call_slots"`
	EmailSlot *CadenceSlot  `json:"email_slot,omitempty"`
}

// Steps returns N, the number of call steps. Step N is the email step.
func (p CadencePlan) Steps() int {
	return len(p.CallSlots)
}

// Validate checks the plan is usable for scheduling.
func (p CadencePlan) Validate() error {
	if len(p.CallSlots) == 0 {
		return fmt.Errorf("%w: at least one call slot is required", ErrInvalidPlan)
	}
	for i, slot := range p.CallSlots {
		if err := slot.Validate(); err != nil {
			return fmt.Errorf("call slot %d: %w", i, err)
		}
	}
	if p.EmailSlot != nil {
		if err := p.EmailSlot.Validate(); err != nil {
			return fmt.Errorf("email slot: %w", err)
		}
	}
	if _, err := p.location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

// DueAt computes when the call attempt for the given step is due,
// relative to startedAt. It reports false for steps at or past the email
// step. Same inputs always yield the same timestamp.
func (p CadencePlan) DueAt(step int, startedAt time.Time) (time.Time, bool) {
	if step < 0 || step >= len(p.CallSlots) {
		return time.Time{}, false
	}
	loc, err := p.location()
	if err != nil {
		loc = time.UTC
	}
	return p.CallSlots[step].resolve(startedAt, loc), true
}

// EmailDueAt computes when the bundled deferred email is due. It reports
// false when the plan carries no email slot; such plans send their email
// once the call cadence is exhausted instead.
func (p CadencePlan) EmailDueAt(startedAt time.Time) (time.Time, bool) {
	if p.EmailSlot == nil {
		return time.Time{}, false
	}
	loc, err := p.location()
	if err != nil {
		loc = time.UTC
	}
	return p.EmailSlot.resolve(startedAt, loc), true
}

func (p CadencePlan) location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// ParseWeekday parses a weekday name such as "monday" or "Tue".
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue", "tues":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu", "thur", "thurs":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSlot, s)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, parseErr := time.Parse("15:04", s)
	if parseErr != nil {
		return 0, 0, fmt.Errorf("%w: time of day must be HH:MM, got %q", ErrInvalidSlot, s)
	}
	return t.Hour(), t.Minute(), nil
}
