package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Record is an entry as returned by a backend read.
type Record struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batch_id"`
	Type      EntryType      `json:"type"`
	Content   map[string]any `json:"content"`
	Tags      []string       `json:"tags"`
	Actor     *Actor         `json:"user,omitempty"`
	Device    map[string]any `json:"device,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Related holds the other records of the same batch, newest first.
	Related []Record `json:"related_events"`
}

// MarshalJSON always writes related_events, as an empty list when the
// record has none.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	p := plain(r)
	if p.Related == nil {
		p.Related = []Record{}
	}
	return json.Marshal(p)
}

// HasTags reports whether the record carries every tag in tags.
func (r Record) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortRecent orders records newest first. Ties fall back to id, which is
// time-ordered.
func SortRecent(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}

// BatchIDs returns the distinct batch ids of records in first-seen order.
func BatchIDs(records []Record) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.BatchID == "" {
			continue
		}
		if _, ok := seen[r.BatchID]; ok {
			continue
		}
		seen[r.BatchID] = struct{}{}
		ids = append(ids, r.BatchID)
	}
	return ids
}

// AttachRelated sets Related on each primary to the pool records sharing its
// batch id, excluding the primary itself. Pool order is preserved, so a pool
// sorted by SortRecent yields related records newest first.
func AttachRelated(primaries, pool []Record) []Record {
	byBatch := make(map[string][]Record)
	for _, r := range pool {
		byBatch[r.BatchID] = append(byBatch[r.BatchID], r)
	}
	for i := range primaries {
		group := byBatch[primaries[i].BatchID]
		related := make([]Record, 0, len(group))
		for _, r := range group {
			if r.ID == primaries[i].ID {
				continue
			}
			r.Related = nil
			related = append(related, r)
		}
		primaries[i].Related = related
	}
	return primaries
}

// Period is a named retrieval window.
type Period string

const (
	Period24Hours Period = "24h"
	Period7Days   Period = "7d"
	Period15Days  Period = "15d"
	Period30Days  Period = "30d"
	Period60Days  Period = "60d"
	Period90Days  Period = "90d"
)

var periodDurations = map[Period]time.Duration{
	Period24Hours: 24 * time.Hour,
	Period7Days:   7 * 24 * time.Hour,
	Period15Days:  15 * 24 * time.Hour,
	Period30Days:  30 * 24 * time.Hour,
	Period60Days:  60 * 24 * time.Hour,
	Period90Days:  90 * 24 * time.Hour,
}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if _, ok := periodDurations[p]; !ok {
		return "", fmt.Errorf("unknown period %q (want 24h, 7d, 15d, 30d, 60d or 90d)", s)
	}
	return p, nil
}

// Duration returns the window length, or zero for an unknown period.
func (p Period) Duration() time.Duration { return periodDurations[p] }

// Since returns the start of the window ending at now.
func (p Period) Since(now time.Time) time.Time { return now.Add(-p.Duration()) }
