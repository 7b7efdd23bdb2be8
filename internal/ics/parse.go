package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recur"
)

// Parsed is what one feed contributes: canonical tasks plus the occurrence
// ids its EXDATEs and moved instances remove.
type Parsed struct {
	Tasks   []model.Task
	Deleted []string
}

// TaskID is the stable id of the task imported from a feed event.
func TaskID(feedID, eventUID string) string {
	return feedID + ":" + eventUID
}

// ParseFeed converts the VEVENTs of body into tasks for feed.UID. Dates are
// taken in loc. An RRULE that has no repeat equivalent imports the event as
// a single occurrence.
func ParseFeed(feed Feed, body []byte, loc *time.Location) (Parsed, error) {
	var out Parsed
	if len(body) == 0 {
		return out, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("parse feed %s: %w", feed.ID, err)
	}

	for _, ve := range cal.Events() {
		ev, err := parseEvent(ve, loc)
		if err != nil {
			appLog.Warn("skipping event", "feed", feed.ID, "err", err)
			continue
		}
		id := TaskID(feed.ID, ev.uid)
		if ev.recurrenceID != nil {
			// A moved instance: hide the original date, add the new one.
			orig := recur.Day(ev.recurrenceID.In(loc))
			out.Deleted = append(out.Deleted, model.OccurrenceID(id, orig))
			id += "@" + recur.FormatDate(orig)
			ev.rrule = ""
		}

		t := model.Task{
			ID:          id,
			UID:         feed.UID,
			Title:       ev.summary,
			Description: ev.description,
			Category:    feed.Name,
			StartDate:   recur.FormatDate(ev.start),
		}
		if t.Description == "" {
			t.Description = ev.summary
		}
		if !ev.allDay {
			t.StartTime = ev.start.Format(recur.TimeLayout)
		}
		if ev.rrule != "" {
			r, err := ruleFromRRule(ev.rrule, ev.start)
			if err != nil {
				appLog.Warn("importing recurring event as single", "feed", feed.ID, "event", ev.uid, "rrule", ev.rrule, "err", err)
			} else {
				t.SetRule(t.StartDate, r)
			}
		}
		for _, ex := range ev.exdates {
			out.Deleted = append(out.Deleted, model.OccurrenceID(id, recur.Day(ex.In(loc))))
		}
		out.Tasks = append(out.Tasks, t)
	}
	appLog.Info("feed parsed", "feed", feed.ID, "tasks", len(out.Tasks), "deleted", len(out.Deleted))
	return out, nil
}

func ruleFromRRule(raw string, start time.Time) (recur.Rule, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = start
	return recur.FromROption(*opt)
}

type event struct {
	uid          string
	summary      string
	description  string
	start        time.Time // wall clock in the import location
	allDay       bool
	rrule        string
	exdates      []time.Time
	recurrenceID *time.Time
}

func parseEvent(ve *ical.VEvent, loc *time.Location) (event, error) {
	var ev event
	p := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if p == nil || p.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.uid = p.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.description = p.Value
	}

	dt := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dt == nil {
		return ev, fmt.Errorf("event %s: missing DTSTART", ev.uid)
	}
	ev.allDay = isDateValue(dt)
	if ev.allDay {
		d, err := time.Parse("20060102", strings.TrimSpace(dt.Value))
		if err != nil {
			return ev, fmt.Errorf("event %s: %w", ev.uid, err)
		}
		ev.start = d
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, fmt.Errorf("event %s: %w", ev.uid, err)
		}
		ev.start = start.In(loc)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzLoc := paramLocation(p, loc)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzLoc); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, paramLocation(p, loc)); err == nil {
			ev.recurrenceID = &t
		}
	}
	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramLocation(p *ical.IANAProperty, def *time.Location) *time.Location {
	if tz := p.ICalParameters["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			return l
		}
	}
	return def
}

// parseICSTime reads DATE, local DATE-TIME and UTC DATE-TIME values.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
