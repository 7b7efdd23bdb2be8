package ics

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"taskcal/internal/model"
)

const productID = "-//taskcal//occurrences//EN"

// defaultDuration is the length given to timed occurrences, which carry a
// start time but no end.
const defaultDuration = time.Hour

// Export writes occs as a VCALENDAR with one VEVENT per occurrence, keyed by
// occurrence id. Undated occurrences are left out.
func Export(w io.Writer, name string, occs []model.Occurrence, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetName(name)
	}

	for _, o := range occs {
		if !o.Dated() {
			continue
		}
		ev := cal.AddEvent(o.OccurrenceID)
		ev.SetDtStampTime(stamp)
		if !o.UpdatedAt.IsZero() {
			ev.SetModifiedAt(o.UpdatedAt)
		}
		ev.SetSummary(summary(o))
		if o.Title != "" && o.Description != "" && o.Description != o.Title {
			ev.SetDescription(o.Description)
		}
		if o.StartTime != "" {
			ev.SetStartAt(o.At)
			ev.SetEndAt(o.At.Add(defaultDuration))
		} else {
			ev.SetAllDayStartAt(o.Date)
			ev.SetAllDayEndAt(o.Date.AddDate(0, 0, 1))
		}
		if o.Category != "" {
			ev.SetProperty(ical.ComponentPropertyCategories, o.Category)
		}
		if o.IsImportant {
			ev.SetProperty(ical.ComponentPropertyPriority, "1")
		}
	}
	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// Flatten joins the buckets in display order: today, upcoming, completed
// today, then past.
func Flatten(b model.Buckets) []model.Occurrence {
	out := make([]model.Occurrence, 0, b.Len())
	out = append(out, b.Today...)
	out = append(out, b.AfterToday...)
	out = append(out, b.CompletedToday...)
	out = append(out, b.BeforeToday...)
	return out
}

func summary(o model.Occurrence) string {
	if s := strings.TrimSpace(o.Title); s != "" {
		return s
	}
	return o.Description
}
