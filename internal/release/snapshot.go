package release

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ppiankov/statute/internal/model"
)

// Snapshot flattens the active rule set into sorted hash tuples. A rule
// partially superseded contributes one entry per window it is still in
// force, so the hash changes when arbitration narrows a published rule.
func Snapshot(rules []*model.RegulatoryRule) ([]model.SnapshotEntry, []string) {
	type row struct {
		entry model.SnapshotEntry
		id    string
	}
	var rows []row
	for _, r := range rules {
		cuts := make([]model.Window, 0, len(r.Supersessions))
		for _, s := range r.Supersessions {
			cuts = append(cuts, s.Window())
		}
		for _, w := range Segments(r.Window(), cuts) {
			e := model.SnapshotEntry{
				ConceptID:     r.ConceptID,
				AppliesWhen:   r.AppliesWhen,
				Value:         r.Value.Canonical(),
				EffectiveFrom: w.From.Format(model.DateLayout),
			}
			if w.Until != nil {
				e.EffectiveUntil = w.Until.Format(model.DateLayout)
			}
			rows = append(rows, row{entry: e, id: r.ID})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].entry, rows[j].entry
		switch {
		case a.ConceptID != b.ConceptID:
			return a.ConceptID < b.ConceptID
		case a.AppliesWhen != b.AppliesWhen:
			return a.AppliesWhen < b.AppliesWhen
		case a.Value != b.Value:
			return a.Value < b.Value
		case a.EffectiveFrom != b.EffectiveFrom:
			return a.EffectiveFrom < b.EffectiveFrom
		case a.EffectiveUntil != b.EffectiveUntil:
			return a.EffectiveUntil < b.EffectiveUntil
		default:
			return rows[i].id < rows[j].id
		}
	})

	entries := make([]model.SnapshotEntry, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		entries[i] = r.entry
		ids[i] = r.id
	}
	return entries, ids
}

// Segments returns the parts of w not covered by cuts, in order
func Segments(w model.Window, cuts []model.Window) []model.Window {
	sorted := append([]model.Window(nil), cuts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From.Before(sorted[j].From) })

	var out []model.Window
	cursor := model.Day(w.From)
	for _, cut := range sorted {
		c, ok := cut.Intersect(w)
		if !ok {
			continue
		}
		if from := model.Day(c.From); from.After(cursor) {
			until := from.AddDate(0, 0, -1)
			out = append(out, model.Window{From: cursor, Until: &until})
		}
		if c.Until == nil {
			return out
		}
		if next := model.Day(*c.Until).AddDate(0, 0, 1); next.After(cursor) {
			cursor = next
		}
	}
	if w.Until == nil || !cursor.After(model.Day(*w.Until)) {
		out = append(out, model.Window{From: cursor, Until: dayPtr(w.Until)})
	}
	return out
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := model.Day(*t)
	return &d
}

// Hash is the SHA-256 of the RFC 8785 canonical JSON of entries
func Hash(entries []model.SnapshotEntry) (string, error) {
	if entries == nil {
		entries = []model.SnapshotEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
