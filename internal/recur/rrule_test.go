package recur

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/teambition/rrule-go"
)

func TestFromROptionWeeklyByDay(t *testing.T) {
	opt, err := rrule.StrToROption("FREQ=WEEKLY;BYDAY=MO,FR;COUNT=6")
	if err != nil {
		t.Fatalf("StrToROption: %v", err)
	}
	r, err := FromROption(*opt)
	if err != nil {
		t.Fatalf("FromROption: %v", err)
	}
	if r.Kind() != KindWeek {
		t.Errorf("kind = %s, want week", r.Kind())
	}
	if got := r.Days(); !slices.Equal(got, []int{1, 5}) {
		t.Errorf("days = %v, want [1 5]", got)
	}
	if n, ok := r.Count().Limit(); !ok || n != 3 {
		t.Errorf("count = %d/%v, want 3 steps", n, ok)
	}
}

func TestFromROptionUntilBecomesCount(t *testing.T) {
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	r, err := FromROption(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Until:   time.Date(2024, 6, 7, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("FromROption: %v", err)
	}
	if n, ok := r.Count().Limit(); !ok || n != 5 {
		t.Errorf("count = %d/%v, want 5", n, ok)
	}
}

func TestFromROptionUnsupported(t *testing.T) {
	for _, s := range []string{
		"FREQ=WEEKLY;INTERVAL=2",
		"FREQ=MONTHLY;BYDAY=2FR",
		"FREQ=MONTHLY;BYMONTHDAY=-1",
		"FREQ=HOURLY",
		"FREQ=MONTHLY;BYSETPOS=1;BYDAY=MO",
	} {
		opt, err := rrule.StrToROption(s)
		if err != nil {
			t.Fatalf("StrToROption(%q): %v", s, err)
		}
		if _, err := FromROption(*opt); !errors.Is(err, ErrUnsupportedRule) {
			t.Errorf("%s: got %v, want ErrUnsupportedRule", s, err)
		}
	}
}

func TestStepsUntil(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		kind Kind
		end  time.Time
		want int
	}{
		{KindDay, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), 3},
		{KindWeek, time.Date(2024, 2, 13, 0, 0, 0, 0, time.UTC), 2},
		{KindWeek, time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC), 3},
		{KindMonth, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 4},
		{KindYear, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 3},
		{KindDay, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tt := range tests {
		if got := StepsUntil(tt.kind, start, tt.end); got != tt.want {
			t.Errorf("StepsUntil(%s, %s) = %d, want %d", tt.kind, FormatDate(tt.end), got, tt.want)
		}
	}
}

// Rules with an exact RRULE form must expand to the same dates rrule-go does.
func TestToROptionAgreesWithRRule(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		days  []int
		count Count
		start string
		opts  Options
	}{
		{name: "daily", kind: KindDay, count: Times(10), start: "2024-02-25"},
		{name: "weekly whole", kind: KindWeek, count: Times(5), start: "2024-06-05"},
		{name: "weekly days", kind: KindWeek, days: []int{1, 3, 5}, count: Times(4), start: "2024-06-05"},
		{name: "weekly sunday", kind: KindWeek, days: []int{0, 6}, count: Times(3), start: "2024-06-03"},
		{name: "monthly whole", kind: KindMonth, count: Times(6), start: "2024-01-15"},
		{name: "monthly days from start", kind: KindMonth, days: []int{1, 15, 28}, count: Times(4), start: "2024-01-10", opts: Options{MonthFilter: MonthFilterStart}},
		{name: "monthly days anchored", kind: KindMonth, days: []int{10, 15, 28}, count: Times(4), start: "2024-01-10"},
		{name: "monthly skip 31", kind: KindMonth, days: []int{15, 31}, count: Times(6), start: "2024-01-10", opts: Options{Overflow: OverflowSkip}},
		{name: "yearly", kind: KindYear, count: Times(4), start: "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRule(t, tt.kind, tt.days, tt.count)
			start := mustDate(t, tt.start)
			opt, ok := ToROption(r, start, tt.opts)
			if !ok {
				t.Fatal("expected an RRULE equivalent")
			}
			rr, err := rrule.NewRRule(opt)
			if err != nil {
				t.Fatalf("NewRRule: %v", err)
			}
			want := formatAll(rr.All())
			got := formatAll(Expand(r, start, tt.opts))
			if !slices.Equal(got, want) {
				t.Errorf("expand %v, rrule %v", got, want)
			}
		})
	}
}

func TestToROptionRejectsInexactRules(t *testing.T) {
	start := mustDate(t, "2024-01-31")
	if _, ok := ToROption(mustRule(t, KindMonth, nil, Times(3)), start, Options{}); ok {
		t.Error("month stepping from the 31st rolls over and has no RRULE form")
	}
	if _, ok := ToROption(mustRule(t, KindMonth, []int{30}, Times(3)), start, Options{}); ok {
		t.Error("day 30 with rollover has no RRULE form")
	}
	if _, ok := ToROption(mustRule(t, KindMonth, []int{1, 15}, Times(3)), mustDate(t, "2024-01-10"), Options{}); ok {
		t.Error("day 1 falls before the anchor every month and has no RRULE form")
	}
	if _, ok := ToROption(mustRule(t, KindMonth, []int{15}, Times(3)), mustDate(t, "2024-01-10"), Options{MonthFilter: MonthFilterStrict}); ok {
		t.Error("strict month filter has no RRULE form")
	}
	if _, ok := ToROption(NoRepeat{}, start, Options{}); ok {
		t.Error("single occurrence should not produce an RRULE")
	}
	s := RRuleString(mustRule(t, KindWeek, []int{1, 5}, Unbounded), mustDate(t, "2024-06-03"), Options{})
	if !strings.Contains(s, "FREQ=WEEKLY") || !strings.Contains(s, "BYDAY=MO,FR") {
		t.Errorf("RRuleString = %q", s)
	}
}
