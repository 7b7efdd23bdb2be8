package recur

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrUnsupportedRule is returned for RFC 5545 rules that have no equivalent
// repeat setting (intervals, set positions, nth-weekday, ...).
var ErrUnsupportedRule = errors.New("recur: unsupported RRULE")

// rrule-go numbers weekdays from Monday=0; tasks use Sunday=0.
var rruleWeekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

func fromRRuleWeekday(wd rrule.Weekday) int {
	return (wd.Day() + 1) % 7
}

// FromROption converts a parsed RRULE into a Rule. UNTIL is turned into a
// step count relative to opt.Dtstart, mirroring how an end date chosen at
// creation time becomes repeatCount.
func FromROption(opt rrule.ROption) (Rule, error) {
	if opt.Interval > 1 {
		return nil, fmt.Errorf("%w: INTERVAL=%d", ErrUnsupportedRule, opt.Interval)
	}
	if len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 || len(opt.Byeaster) > 0 {
		return nil, fmt.Errorf("%w: BYSETPOS/BYYEARDAY/BYWEEKNO", ErrUnsupportedRule)
	}

	var kind Kind
	var days []int
	switch opt.Freq {
	case rrule.DAILY:
		kind = KindDay
	case rrule.WEEKLY:
		kind = KindWeek
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				return nil, fmt.Errorf("%w: nth weekday in WEEKLY", ErrUnsupportedRule)
			}
			days = append(days, fromRRuleWeekday(wd))
		}
	case rrule.MONTHLY:
		kind = KindMonth
		if len(opt.Byweekday) > 0 {
			return nil, fmt.Errorf("%w: BYDAY in MONTHLY", ErrUnsupportedRule)
		}
		for _, d := range opt.Bymonthday {
			if d < 1 {
				return nil, fmt.Errorf("%w: BYMONTHDAY=%d", ErrUnsupportedRule, d)
			}
			days = append(days, d)
		}
	case rrule.YEARLY:
		kind = KindYear
		if len(opt.Bymonth) > 0 || len(opt.Bymonthday) > 0 || len(opt.Byweekday) > 0 {
			return nil, fmt.Errorf("%w: BY* parts in YEARLY", ErrUnsupportedRule)
		}
	default:
		return nil, fmt.Errorf("%w: FREQ=%v", ErrUnsupportedRule, opt.Freq)
	}

	count := Unbounded
	switch {
	case opt.Count > 0:
		if kind == KindWeek && len(days) > 0 || kind == KindMonth && len(days) > 0 {
			// RRULE COUNT counts occurrences, repeatCount counts steps.
			count = Times((opt.Count + len(days) - 1) / len(days))
		} else {
			count = Times(opt.Count)
		}
	case !opt.Until.IsZero():
		if opt.Dtstart.IsZero() {
			return nil, fmt.Errorf("%w: UNTIL without DTSTART", ErrUnsupportedRule)
		}
		count = Times(StepsUntil(kind, opt.Dtstart, opt.Until))
	}
	return NewRule(kind, days, count)
}

// StepsUntil returns how many steps of kind fit between start and end,
// both inclusive. It is how an end date becomes a repeat count.
func StepsUntil(kind Kind, start, end time.Time) int {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return 0
	}
	switch kind {
	case KindDay:
		return int(end.Sub(start).Hours()/24) + 1
	case KindWeek:
		return int(end.Sub(start).Hours()/24)/7 + 1
	case KindMonth:
		months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
		return months + 1
	case KindYear:
		return end.Year() - start.Year() + 1
	default:
		return 1
	}
}

// ToROption describes r as an RRULE anchored at start. ok is false when the
// rule has no exact RFC 5545 equivalent under opts (rolled-over month days,
// February 29 yearly starts, anchored day lists that skip days before the
// start's day-of-month, single occurrences).
func ToROption(r Rule, start time.Time, opts Options) (rrule.ROption, bool) {
	start = Day(start)
	opt := rrule.ROption{Dtstart: start}
	limit, bounded := r.Count().Limit()
	if bounded && limit <= 0 {
		return rrule.ROption{}, false
	}

	switch rule := r.(type) {
	case Daily:
		opt.Freq = rrule.DAILY
		if bounded {
			opt.Count = limit
		}
	case Yearly:
		if start.Month() == time.February && start.Day() == 29 {
			return rrule.ROption{}, false
		}
		opt.Freq = rrule.YEARLY
		if bounded {
			opt.Count = limit
		}
	case Weekly:
		opt.Freq = rrule.WEEKLY
		for _, d := range rule.days {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
		if bounded {
			if len(rule.days) == 0 {
				opt.Count = limit
			} else {
				opt.Until = start.AddDate(0, 0, 7*limit-1)
			}
		}
	case Monthly:
		opt.Freq = rrule.MONTHLY
		if len(rule.days) == 0 {
			if start.Day() > 28 {
				return rrule.ROption{}, false
			}
			if bounded {
				opt.Count = limit
			}
			break
		}
		switch opts.MonthFilter {
		case MonthFilterStart:
		case MonthFilterStrict:
			return rrule.ROption{}, false
		default:
			// BYMONTHDAY filters against DTSTART only, which matches the
			// anchor filter when no selected day precedes the start's day.
			if start.Day() > 28 || rule.days[0] < start.Day() {
				return rrule.ROption{}, false
			}
		}
		for _, d := range rule.days {
			if d > 28 && opts.Overflow != OverflowSkip {
				return rrule.ROption{}, false
			}
			opt.Bymonthday = append(opt.Bymonthday, d)
		}
		if bounded {
			first := time.Date(start.Year(), start.Month()+time.Month(limit), 1, 0, 0, 0, 0, time.UTC)
			opt.Until = first.AddDate(0, 0, -1)
		}
	default:
		return rrule.ROption{}, false
	}
	return opt, true
}

// RRuleString renders r as an RRULE value, or "" when it has no exact
// equivalent.
func RRuleString(r Rule, start time.Time, opts Options) string {
	opt, ok := ToROption(r, start, opts)
	if !ok {
		return ""
	}
	return opt.RRuleString()
}
