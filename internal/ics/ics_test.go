package ics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"taskcal/internal/model"
	"taskcal/internal/recur"
	"taskcal/internal/source/memsource"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n"))
}

var timetable = crlf(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:math
SUMMARY:Math
DTSTART:20240603T090000Z
DTEND:20240603T100000Z
RRULE:FREQ=WEEKLY;BYDAY=MO,FR;COUNT=6
EXDATE:20240610T090000Z
END:VEVENT
BEGIN:VEVENT
UID:exam
SUMMARY:Exam
DTSTART;VALUE=DATE:20240620
END:VEVENT
BEGIN:VEVENT
UID:odd
SUMMARY:Lab
DTSTART:20240604T130000Z
RRULE:FREQ=WEEKLY;INTERVAL=2
END:VEVENT
BEGIN:VEVENT
UID:math
RECURRENCE-ID:20240614T090000Z
SUMMARY:Math (moved)
DTSTART:20240615T110000Z
END:VEVENT
END:VCALENDAR
`)

var school = Feed{ID: "school", Name: "School", UID: "u1"}

func taskByID(tasks []model.Task, id string) (model.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

func TestParseFeed(t *testing.T) {
	p, err := ParseFeed(school, timetable, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Tasks) != 4 {
		t.Fatalf("got %d tasks: %+v", len(p.Tasks), p.Tasks)
	}

	math, ok := taskByID(p.Tasks, "school:math")
	if !ok {
		t.Fatal("math task missing")
	}
	if math.StartDate != "2024-06-03" || math.StartTime != "09:00" || math.Repeat != recur.KindWeek ||
		!slices.Equal(math.RepeatDays, []int{1, 5}) || math.RepeatCount == nil || *math.RepeatCount != 3 {
		t.Errorf("math = %+v", math)
	}
	if math.UID != "u1" || math.Category != "School" || math.Description != "Math" {
		t.Errorf("math metadata = %+v", math)
	}

	exam, _ := taskByID(p.Tasks, "school:exam")
	if exam.StartDate != "2024-06-20" || exam.StartTime != "" || exam.IsRecurring() {
		t.Errorf("exam = %+v", exam)
	}

	lab, _ := taskByID(p.Tasks, "school:odd")
	if lab.IsRecurring() || lab.StartDate != "2024-06-04" {
		t.Errorf("unsupported rule should import as single: %+v", lab)
	}

	moved, ok := taskByID(p.Tasks, "school:math@2024-06-14")
	if !ok || moved.StartDate != "2024-06-15" || moved.StartTime != "11:00" || moved.IsRecurring() {
		t.Errorf("moved = %+v", moved)
	}

	want := []string{"school:math-2024-06-10", "school:math-2024-06-14"}
	got := slices.Clone(p.Deleted)
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("deleted = %v, want %v", got, want)
	}
}

func TestParseFeedRejectsEmpty(t *testing.T) {
	if _, err := ParseFeed(school, nil, time.UTC); err == nil {
		t.Fatal("expected error")
	}
}

func TestFetcherCaches(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	var conditional bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional = true
		}
		switch {
		case status != http.StatusOK:
			w.WriteHeader(status)
		case r.Header.Get("If-None-Match") == `"v1"`:
			w.WriteHeader(http.StatusNotModified)
		default:
			w.Header().Set("ETag", `"v1"`)
			w.Write(timetable)
		}
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	feed := Feed{ID: "school", URL: srv.URL + "/cal.ics?token=secret"}
	ctx := context.Background()

	res, err := f.Fetch(ctx, feed)
	if err != nil || res.FromCache || !bytes.Equal(res.Body, timetable) {
		t.Fatalf("first fetch = %+v, %v", res.FromCache, err)
	}

	res, err = f.Fetch(ctx, feed)
	if err != nil || !res.FromCache || !bytes.Equal(res.Body, timetable) {
		t.Fatalf("not-modified fetch = %+v, %v", res.FromCache, err)
	}
	mu.Lock()
	if !conditional {
		t.Error("validator not sent")
	}
	status = http.StatusInternalServerError
	mu.Unlock()

	res, err = f.Fetch(ctx, feed)
	if err != nil || !res.FromCache {
		t.Fatalf("fallback fetch = %+v, %v", res.FromCache, err)
	}

	if _, err := NewFetcher(t.TempDir()).Fetch(ctx, feed); err == nil {
		t.Fatal("expected error without cache")
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://example.com/private.ics?token=abc"); got != "https://example.com/...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
	if got := redactURL("not a url"); got != "ics://...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
}

func TestImporterSyncsFeed(t *testing.T) {
	var mu sync.Mutex
	body := timetable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Write(body)
	}))
	defer srv.Close()

	ctx := context.Background()
	src := memsource.New()
	feed := school
	feed.URL = srv.URL
	im := NewImporter(src, NewFetcher(t.TempDir()), []Feed{feed}, time.UTC)

	// A task of the user's own must survive the sync.
	if _, err := src.CreateTask(ctx, model.Task{ID: "mine", UID: "u1", Description: "homework"}); err != nil {
		t.Fatal(err)
	}

	stats, err := im.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Feeds != 1 || stats.Upserted != 4 || stats.Deleted != 2 || stats.Removed != 0 {
		t.Errorf("first run stats = %+v", stats)
	}

	mu.Lock()
	body = crlf(`
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:exam
SUMMARY:Exam
DTSTART;VALUE=DATE:20240620
END:VEVENT
END:VCALENDAR
`)
	mu.Unlock()

	stats, err = im.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Upserted != 1 || stats.Removed != 3 {
		t.Errorf("second run stats = %+v", stats)
	}

	snapshot, err := im.snapshot(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, task := range snapshot {
		ids = append(ids, task.ID)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"mine", "school:exam"}) {
		t.Errorf("tasks after sync = %v", ids)
	}
}

func TestExportRoundTrip(t *testing.T) {
	occs := []model.Occurrence{
		{
			Task:         model.Task{ID: "t1", Title: "Gym", StartTime: "07:30", IsImportant: true, Category: "health"},
			OccurrenceID: "t1-2024-06-17",
			Date:         time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC),
			At:           time.Date(2024, 6, 17, 7, 30, 0, 0, time.UTC),
		},
		{
			Task:         model.Task{ID: "t2", Description: "Exam"},
			OccurrenceID: "t2-2024-06-20",
			Date:         time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC),
		},
		{Task: model.Task{ID: "t3", Description: "someday"}, OccurrenceID: "t3"},
	}
	var buf bytes.Buffer
	if err := Export(&buf, "taskcal", occs, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"UID:t1-2024-06-17", "DTSTART:20240617T073000Z", "PRIORITY:1", "UID:t2-2024-06-20", "20240620"} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "someday") {
		t.Error("undated occurrence exported")
	}

	back, err := ParseFeed(Feed{ID: "x", UID: "u1"}, buf.Bytes(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Tasks) != 2 {
		t.Fatalf("round trip tasks = %+v", back.Tasks)
	}
	gym, _ := taskByID(back.Tasks, "x:t1-2024-06-17")
	if gym.StartDate != "2024-06-17" || gym.StartTime != "07:30" || gym.Title != "Gym" {
		t.Errorf("round trip gym = %+v", gym)
	}
	exam, _ := taskByID(back.Tasks, "x:t2-2024-06-20")
	if exam.StartDate != "2024-06-20" || exam.StartTime != "" {
		t.Errorf("round trip exam = %+v", exam)
	}
}

func TestFlattenOrder(t *testing.T) {
	b := model.Buckets{
		BeforeToday:    []model.Occurrence{{OccurrenceID: "past"}},
		Today:          []model.Occurrence{{OccurrenceID: "now"}},
		AfterToday:     []model.Occurrence{{OccurrenceID: "next"}},
		CompletedToday: []model.Occurrence{{OccurrenceID: "done"}},
	}
	var got []string
	for _, o := range Flatten(b) {
		got = append(got, o.OccurrenceID)
	}
	if !slices.Equal(got, []string{"now", "next", "done", "past"}) {
		t.Errorf("Flatten = %v", got)
	}
}
