package models

import (
	"sort"
	"time"
)

// SortActive orders entries by priority descending, then queue number ascending.
func SortActive(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return ActiveLess(entries[i], entries[j])
	})
}

func ActiveLess(a, b QueueEntry) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.QueueNumber < b.QueueNumber
}

func SortByNumber(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QueueNumber < entries[j].QueueNumber
	})
}

// QueueDay returns the clinic-local calendar date of now, as midnight UTC.
func QueueDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
