// Package recur turns a recurrence rule and a start date into the concrete
// calendar dates a task occurs on.
package recur

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Kind is the repeat frequency as stored on a task.
type Kind string

const (
	KindNo    Kind = "no"
	KindDay   Kind = "day"
	KindWeek  Kind = "week"
	KindMonth Kind = "month"
	KindYear  Kind = "year"
)

var (
	ErrUnknownRepeat = errors.New("recur: unknown repeat kind")
	ErrInvalidDays   = errors.New("recur: repeat day out of range")
)

// ParseKind maps a wire value to a Kind. The empty string means KindNo.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNo, KindDay, KindWeek, KindMonth, KindYear:
		return k, nil
	case "":
		return KindNo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRepeat, s)
	}
}

// Count bounds the number of steps a rule walks. The zero value is unbounded.
type Count struct {
	n   int
	set bool
}

// Unbounded is a Count with no limit.
var Unbounded = Count{}

// Times returns a Count limited to n steps.
func Times(n int) Count { return Count{n: n, set: true} }

// CountOf converts an optional wire value into a Count.
func CountOf(n *int) Count {
	if n == nil {
		return Unbounded
	}
	return Times(*n)
}

// Limit reports the step limit and whether one is set.
func (c Count) Limit() (int, bool) { return c.n, c.set }

// Ptr is the inverse of CountOf.
func (c Count) Ptr() *int {
	if !c.set {
		return nil
	}
	n := c.n
	return &n
}

// Rule is an immutable recurrence rule: one of NoRepeat, Daily, Weekly,
// Monthly or Yearly. Values are built with NewRule or the variant
// constructors so the frequency, day list and count always agree.
type Rule interface {
	Kind() Kind
	// Days returns the sorted weekday (0=Sunday) or day-of-month selection.
	Days() []int
	Count() Count

	steps(start time.Time, opts Options) stepper
}

type NoRepeat struct{}

type Daily struct{ count Count }

type Weekly struct {
	days  []int
	count Count
}

type Monthly struct {
	days  []int
	count Count
}

type Yearly struct{ count Count }

func (NoRepeat) Kind() Kind  { return KindNo }
func (NoRepeat) Days() []int { return nil }
func (NoRepeat) Count() Count {
	return Times(1)
}

func (r Daily) Kind() Kind   { return KindDay }
func (r Daily) Days() []int  { return nil }
func (r Daily) Count() Count { return r.count }

func (r Weekly) Kind() Kind   { return KindWeek }
func (r Weekly) Days() []int  { return slices.Clone(r.days) }
func (r Weekly) Count() Count { return r.count }

func (r Monthly) Kind() Kind   { return KindMonth }
func (r Monthly) Days() []int  { return slices.Clone(r.days) }
func (r Monthly) Count() Count { return r.count }

func (r Yearly) Kind() Kind   { return KindYear }
func (r Yearly) Days() []int  { return nil }
func (r Yearly) Count() Count { return r.count }

func NewDaily(c Count) Daily   { return Daily{count: c} }
func NewYearly(c Count) Yearly { return Yearly{count: c} }

// NewWeekly builds a weekly rule. days are weekday indices 0..6 (Sunday=0);
// an empty list steps whole weeks from the start date.
func NewWeekly(days []int, c Count) (Weekly, error) {
	d, err := normalizeDays(days, 0, 6)
	if err != nil {
		return Weekly{}, err
	}
	return Weekly{days: d, count: c}, nil
}

// NewMonthly builds a monthly rule. days are day-of-month values 1..31; an
// empty list steps whole months from the start date.
func NewMonthly(days []int, c Count) (Monthly, error) {
	d, err := normalizeDays(days, 1, 31)
	if err != nil {
		return Monthly{}, err
	}
	return Monthly{days: d, count: c}, nil
}

// NewRule builds the variant for kind. days are ignored for kinds without
// day granularity.
func NewRule(kind Kind, days []int, c Count) (Rule, error) {
	switch kind {
	case KindNo, "":
		return NoRepeat{}, nil
	case KindDay:
		return NewDaily(c), nil
	case KindWeek:
		return NewWeekly(days, c)
	case KindMonth:
		return NewMonthly(days, c)
	case KindYear:
		return NewYearly(c), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRepeat, kind)
	}
}

// normalizeDays validates the range, sorts ascending and drops duplicates.
func normalizeDays(days []int, lo, hi int) ([]int, error) {
	if len(days) == 0 {
		return nil, nil
	}
	out := slices.Clone(days)
	for _, d := range out {
		if d < lo || d > hi {
			return nil, fmt.Errorf("%w: %d not in %d..%d", ErrInvalidDays, d, lo, hi)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
