package merge

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

type Options struct {
	// Now stamps records that carry neither updatedAt nor createdAt.
	// Defaults to the wall clock, which makes such merges nondeterministic.
	Now time.Time
}

type CollectionReport struct {
	Local      int `json:"local"`
	Remote     int `json:"remote"`
	Merged     int `json:"merged"`
	LocalWins  int `json:"localWins"`
	RemoteWins int `json:"remoteWins"`
	Dropped    int `json:"dropped"`
	Stamped    int `json:"stamped"`
}

type Report struct {
	Tasks             CollectionReport `json:"tasks"`
	Habits            CollectionReport `json:"habits"`
	Countdowns        CollectionReport `json:"countdowns"`
	TombstonesApplied int              `json:"tombstonesApplied"`
	TombstonesStale   int              `json:"tombstonesStale"`
	Settings          Side             `json:"settings,omitempty"`
	Secrets           Side             `json:"secrets,omitempty"`
}

func (r Report) Dropped() int {
	return r.Tasks.Dropped + r.Habits.Dropped + r.Countdowns.Dropped
}

type Result struct {
	Document Document `json:"document"`
	Meta     Meta     `json:"meta"`
	Report   Report   `json:"report"`
}

// Merge reconciles a remote and a local copy of the dataset. remote is nil
// when no remote copy exists. Records are resolved last-writer-wins by
// updatedAt with ties going to remote; countdown tombstones win over
// records they postdate; settings and secrets move wholesale with the side
// whose lastLocalChange is later.
func Merge(remote *Document, local Document, remoteMeta, localMeta *Meta, opts Options) Result {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Millisecond)

	var base Document
	if remote != nil {
		base = *remote
	}

	var res Result
	var countdowns []record
	res.Document.Tasks, res.Report.Tasks = rawRecords(mergeCollection(base.Tasks, local.Tasks, now))
	res.Document.Habits, res.Report.Habits = rawRecords(mergeCollection(base.Habits, local.Habits, now))
	countdowns, res.Report.Countdowns = mergeCollection(base.Countdowns, local.Countdowns, now)

	tombstones := unionTombstones(base.Deletions.Countdowns, local.Deletions.Countdowns)
	live := make([]record, 0, len(countdowns))
	for _, rec := range countdowns {
		deletedAt, ok := tombstones[rec.id]
		if !ok {
			live = append(live, rec)
			continue
		}
		if deletedAt.After(rec.updatedAt) {
			res.Report.TombstonesApplied++
			continue
		}
		// The record was edited at or after its deletion.
		delete(tombstones, rec.id)
		res.Report.TombstonesStale++
		live = append(live, rec)
	}
	res.Document.Countdowns, res.Report.Countdowns = rawRecords(live, res.Report.Countdowns)
	for id, deletedAt := range tombstones {
		tombstones[id] = NewTimestamp(ceilMillis(deletedAt.Time))
	}
	res.Document.Deletions.Countdowns = tombstones

	res.Document.Settings, res.Report.Settings = pickBlob(base.Settings, local.Settings, remoteMeta, localMeta)
	res.Document.Secrets, res.Report.Secrets = pickBlob(base.Secrets, local.Secrets, remoteMeta, localMeta)
	res.Meta = laterMeta(remoteMeta, localMeta)
	return res
}

type record struct {
	id        string
	updatedAt time.Time
	raw       json.RawMessage
}

func mergeCollection(remote, local []json.RawMessage, now time.Time) ([]record, CollectionReport) {
	var report CollectionReport
	remoteOrder, remoteByID := indexRecords(remote, now, &report)
	localOrder, localByID := indexRecords(local, now, &report)
	report.Remote = len(remoteOrder)
	report.Local = len(localOrder)

	merged := make([]record, 0, len(localOrder)+len(remoteOrder))
	for _, id := range localOrder {
		l := localByID[id]
		r, ok := remoteByID[id]
		if !ok {
			merged = append(merged, l)
			continue
		}
		if l.updatedAt.After(r.updatedAt) {
			report.LocalWins++
			merged = append(merged, l)
		} else {
			report.RemoteWins++
			merged = append(merged, r)
		}
	}
	for _, id := range remoteOrder {
		if _, ok := localByID[id]; ok {
			continue
		}
		merged = append(merged, remoteByID[id])
	}
	return merged, report
}

func rawRecords(records []record, report CollectionReport) ([]json.RawMessage, CollectionReport) {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.raw)
	}
	report.Merged = len(out)
	return out, report
}

// indexRecords normalizes one side, collapsing duplicate ids by
// last-writer-wins and keeping first-seen order.
func indexRecords(raws []json.RawMessage, now time.Time, report *CollectionReport) ([]string, map[string]record) {
	order := make([]string, 0, len(raws))
	byID := make(map[string]record, len(raws))
	for _, raw := range raws {
		rec, stamped, ok := normalizeRecord(raw, now)
		if !ok {
			report.Dropped++
			continue
		}
		if stamped {
			report.Stamped++
		}
		existing, seen := byID[rec.id]
		if !seen {
			order = append(order, rec.id)
			byID[rec.id] = rec
			continue
		}
		if rec.updatedAt.After(existing.updatedAt) {
			byID[rec.id] = rec
		}
	}
	return order, byID
}

func normalizeRecord(raw json.RawMessage, now time.Time) (record, bool, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return record{}, false, false
	}
	id, ok := recordID(fields["id"])
	if !ok {
		return record{}, false, false
	}
	rec := record{id: id, raw: raw}
	if ts, ok := parseTimestamp(fields["updatedAt"]); ok {
		rec.updatedAt = ts
		return rec, false, true
	}

	stamped := false
	if ts, ok := parseTimestamp(fields["createdAt"]); ok {
		rec.updatedAt = ts
		fields["updatedAt"] = fields["createdAt"]
	} else {
		stamp, err := json.Marshal(now.Format(tombstoneLayout))
		if err != nil {
			return record{}, false, false
		}
		rec.updatedAt = now
		fields["updatedAt"] = stamp
		stamped = true
	}
	normalized, err := json.Marshal(fields)
	if err != nil {
		return record{}, false, false
	}
	rec.raw = normalized
	return rec, stamped, true
}

func recordID(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

func unionTombstones(remote, local map[string]Timestamp) map[string]Timestamp {
	out := make(map[string]Timestamp, len(remote)+len(local))
	for _, side := range []map[string]Timestamp{remote, local} {
		for id, deletedAt := range side {
			id = strings.TrimSpace(id)
			if id == "" || deletedAt.IsZero() {
				continue
			}
			if existing, ok := out[id]; ok && !deletedAt.After(existing.Time) {
				continue
			}
			out[id] = deletedAt
		}
	}
	return out
}

func pickBlob(remote, local json.RawMessage, remoteMeta, localMeta *Meta) (json.RawMessage, Side) {
	winner := SideRemote
	switch {
	case remoteMeta.present() && localMeta.present():
		if localMeta.LastLocalChange.After(remoteMeta.LastLocalChange.Time) {
			winner = SideLocal
		}
	case localMeta.present():
		winner = SideLocal
	}

	// A side without meta only fills in when neither side has meta.
	noMeta := !remoteMeta.present() && !localMeta.present()
	hasRemote, hasLocal := blobPresent(remote), blobPresent(local)
	switch {
	case winner == SideLocal && hasLocal:
		return local, SideLocal
	case winner == SideRemote && hasRemote:
		return remote, SideRemote
	case hasLocal && (localMeta.present() || noMeta):
		return local, SideLocal
	case hasRemote && (remoteMeta.present() || noMeta):
		return remote, SideRemote
	}
	return nil, SideNone
}

func laterMeta(remote, local *Meta) Meta {
	switch {
	case remote.present() && local.present():
		if local.LastLocalChange.After(remote.LastLocalChange.Time) {
			return Meta{LastLocalChange: NewTimestamp(local.LastLocalChange.Time)}
		}
		return Meta{LastLocalChange: NewTimestamp(remote.LastLocalChange.Time)}
	case local.present():
		return Meta{LastLocalChange: NewTimestamp(local.LastLocalChange.Time)}
	case remote.present():
		return Meta{LastLocalChange: NewTimestamp(remote.LastLocalChange.Time)}
	}
	return Meta{}
}
