package recur

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

// DefaultHorizon is the number of steps Expand walks for rules without a count.
const DefaultHorizon = 365

// maxIdleSteps stops an unbounded walk whose steps keep producing nothing,
// e.g. a monthly anchor that filters every selected day.
const maxIdleSteps = 120

// Overflow decides what happens to a selected day-of-month that does not
// exist in a given month (31 in April, 30 in February).
type Overflow string

const (
	// OverflowRollover lets date normalisation carry the excess into the
	// next month: February 31 becomes March 3 (2023) or March 2 (2024).
	OverflowRollover Overflow = "rollover"
	// OverflowSkip drops the date for that month.
	OverflowSkip Overflow = "skip"
	// OverflowClamp moves the date to the last day of the month.
	OverflowClamp Overflow = "clamp"
)

// ParseOverflow maps a config value to an Overflow. Empty means rollover.
func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(s); o {
	case OverflowRollover, OverflowSkip, OverflowClamp:
		return o, nil
	case "":
		return OverflowRollover, nil
	default:
		return "", fmt.Errorf("recur: unknown month day overflow %q", s)
	}
}

// MonthFilter decides which selected days of a monthly day-list rule are
// kept in each month.
type MonthFilter string

const (
	// MonthFilterAnchor keeps a day on or after the month's anchor: the
	// start's day-of-month, clamped to the month's length.
	MonthFilterAnchor MonthFilter = "anchor"
	// MonthFilterStart keeps every day on or after the series start.
	MonthFilterStart MonthFilter = "start"
	// MonthFilterStrict keeps a day only when it is strictly after the start
	// advanced by the step's month count with native date arithmetic.
	MonthFilterStrict MonthFilter = "strict"
)

// ParseMonthFilter maps a config value to a MonthFilter. Empty means anchor.
func ParseMonthFilter(s string) (MonthFilter, error) {
	switch f := MonthFilter(s); f {
	case MonthFilterAnchor, MonthFilterStart, MonthFilterStrict:
		return f, nil
	case "":
		return MonthFilterAnchor, nil
	default:
		return "", fmt.Errorf("recur: unknown month day filter %q", s)
	}
}

// Options tune expansion. The zero value is usable.
type Options struct {
	Overflow Overflow
	// Horizon caps the number of steps Expand walks. Zero means DefaultHorizon.
	Horizon int
	// MonthFilter selects the monthly day-list filter. Empty means anchor.
	MonthFilter MonthFilter
}

func (o Options) horizon() int {
	if o.Horizon <= 0 {
		return DefaultHorizon
	}
	return o.Horizon
}

// stepper yields the candidates of step i together with a lower bound no
// later step can go below. Candidates need not be sorted.
type stepper func(i int) (lower time.Time, candidates []time.Time)

// Dates returns the lazy, restartable occurrence sequence of r from start.
// Rules without a count produce an infinite sequence; callers decide how
// much to pull. The sequence is strictly increasing.
func Dates(r Rule, start time.Time, opts Options) iter.Seq[time.Time] {
	limit, bounded := r.Count().Limit()
	if !bounded {
		limit = -1
	} else if limit < 0 {
		limit = 0
	}
	return walk(r.steps(Day(start), opts), limit)
}

// Expand materialises the occurrence dates of r. The step count is clamped
// to opts.Horizon, and unbounded rules walk exactly the horizon.
func Expand(r Rule, start time.Time, opts Options) []time.Time {
	limit, bounded := r.Count().Limit()
	if h := opts.horizon(); !bounded || limit > h {
		limit = h
	}
	if limit < 0 {
		limit = 0
	}
	return slices.Collect(walk(r.steps(Day(start), opts), limit))
}

// Between returns the dates of r falling in [from, to], pulling the lazy
// sequence only as far as to.
func Between(r Rule, start, from, to time.Time, opts Options) []time.Time {
	from, to = Day(from), Day(to)
	var out []time.Time
	for d := range Dates(r, start, opts) {
		if d.After(to) {
			break
		}
		if !d.Before(from) {
			out = append(out, d)
		}
	}
	return out
}

// First returns at most n dates of r.
func First(r Rule, start time.Time, n int, opts Options) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	if n <= 0 {
		return out
	}
	for d := range Dates(r, start, opts) {
		out = append(out, d)
		if len(out) == n {
			break
		}
	}
	return out
}

// walk drives a stepper for limit steps (negative: forever). Candidates are
// buffered until no later step can produce an earlier date, so output stays
// ordered when a rolled-over day spills into the next month. Repeated dates
// are emitted once.
func walk(next stepper, limit int) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if limit == 0 {
			return
		}
		var (
			pending []time.Time
			last    time.Time
			emitted bool
			idle    int
		)
		emit := func(d time.Time) bool {
			if emitted && !d.After(last) {
				return true
			}
			last, emitted = d, true
			return yield(d)
		}

		for i := 0; limit < 0 || i < limit; i++ {
			lower, cands := next(i)

			n := 0
			for n < len(pending) && pending[n].Before(lower) {
				if !emit(pending[n]) {
					return
				}
				n++
			}
			pending = append(pending[n:len(pending):len(pending)], cands...)
			slices.SortFunc(pending, func(a, b time.Time) int { return a.Compare(b) })

			if limit < 0 {
				if len(cands) == 0 {
					idle++
					if idle >= maxIdleSteps {
						break
					}
				} else {
					idle = 0
				}
			}
		}
		for _, d := range pending {
			if !emit(d) {
				return
			}
		}
	}
}

func (NoRepeat) steps(start time.Time, _ Options) stepper {
	return func(int) (time.Time, []time.Time) {
		return start, []time.Time{start}
	}
}

func (Daily) steps(start time.Time, _ Options) stepper {
	return func(i int) (time.Time, []time.Time) {
		d := start.AddDate(0, 0, i)
		return d, []time.Time{d}
	}
}

func (Yearly) steps(start time.Time, _ Options) stepper {
	return func(i int) (time.Time, []time.Time) {
		d := start.AddDate(i, 0, 0)
		return d, []time.Time{d}
	}
}

func (r Weekly) steps(start time.Time, _ Options) stepper {
	if len(r.days) == 0 {
		return func(i int) (time.Time, []time.Time) {
			d := start.AddDate(0, 0, 7*i)
			return d, []time.Time{d}
		}
	}
	return func(i int) (time.Time, []time.Time) {
		anchor := start.AddDate(0, 0, 7*i)
		out := make([]time.Time, 0, len(r.days))
		for _, wd := range r.days {
			ahead := (wd - int(anchor.Weekday()) + 7) % 7
			d := anchor.AddDate(0, 0, ahead)
			if d.Before(start) {
				continue
			}
			out = append(out, d)
		}
		return anchor, out
	}
}

func (r Monthly) steps(start time.Time, opts Options) stepper {
	if len(r.days) == 0 {
		return func(i int) (time.Time, []time.Time) {
			d := start.AddDate(0, i, 0)
			return d, []time.Time{d}
		}
	}
	return func(i int) (time.Time, []time.Time) {
		first := time.Date(start.Year(), start.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		var keep func(time.Time) bool
		switch opts.MonthFilter {
		case MonthFilterStart:
			keep = func(d time.Time) bool { return !d.Before(start) }
		case MonthFilterStrict:
			anchor := start.AddDate(0, i, 0)
			keep = func(d time.Time) bool { return d.After(anchor) }
		default:
			anchor := time.Date(first.Year(), first.Month(), min(start.Day(), daysIn(first.Year(), first.Month())), 0, 0, 0, 0, time.UTC)
			keep = func(d time.Time) bool { return !d.Before(anchor) }
		}
		out := make([]time.Time, 0, len(r.days))
		for _, dom := range r.days {
			d, ok := monthDay(first, dom, opts.Overflow)
			if !ok || !keep(d) {
				continue
			}
			out = append(out, d)
		}
		return first, out
	}
}

// monthDay places dom in the month starting at first, applying the overflow
// policy when the month is too short.
func monthDay(first time.Time, dom int, policy Overflow) (time.Time, bool) {
	y, m := first.Year(), first.Month()
	if n := daysIn(y, m); dom > n {
		switch policy {
		case OverflowSkip:
			return time.Time{}, false
		case OverflowClamp:
			dom = n
		}
	}
	return time.Date(y, m, dom, 0, 0, 0, 0, time.UTC), true
}
