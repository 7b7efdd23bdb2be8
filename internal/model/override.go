package model

import (
	"fmt"
	"time"
)

// OverrideKind names one of the per-occurrence override sets.
type OverrideKind string

const (
	OverrideDeleted   OverrideKind = "deleted"
	OverrideCompleted OverrideKind = "completed"
	OverrideImportant OverrideKind = "important"
)

// OverrideKinds lists every kind in a fixed order.
var OverrideKinds = []OverrideKind{OverrideDeleted, OverrideCompleted, OverrideImportant}

func ParseOverrideKind(s string) (OverrideKind, error) {
	for _, k := range OverrideKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown override kind %q", s)
}

// OverrideValue is one entry of an override set as stored by the data
// source. At is when the user recorded it.
type OverrideValue struct {
	Value bool      `json:"value"`
	At    time.Time `json:"at"`
}

// OverrideSnapshot is the full content of one override set.
type OverrideSnapshot map[string]OverrideValue

// OverrideState is everything known about one occurrence's overrides.
type OverrideState struct {
	Deleted     bool
	Completed   *bool
	CompletedAt time.Time
	Important   *bool
}
