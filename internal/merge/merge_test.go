package merge

import (
	"encoding/json"
	"sort"
	"testing"
	"time"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustDocument(t *testing.T, raw string) Document {
	t.Helper()
	doc, err := ParseDocument([]byte(raw))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return doc
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func meta(t *testing.T, ts string) *Meta {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t.Fatalf("parse meta timestamp: %v", err)
	}
	return &Meta{LastLocalChange: NewTimestamp(parsed)}
}

type recordView struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updatedAt"`
}

func views(t *testing.T, raws []json.RawMessage) []recordView {
	t.Helper()
	out := make([]recordView, 0, len(raws))
	for _, raw := range raws {
		var v recordView
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("decode record %s: %v", raw, err)
		}
		out = append(out, v)
	}
	return out
}

func TestMergeLocalNewerTaskWinsAndRemoteOnlyKept(t *testing.T) {
	local := mustDocument(t, `{"tasks":[{"id":"T1","title":"local","updatedAt":"2024-05-01T10:00:00Z"}]}`)
	remote := mustDocument(t, `{"tasks":[
		{"id":"T1","title":"remote","updatedAt":"2024-05-01T09:00:00Z"},
		{"id":"T2","title":"extra","updatedAt":"2024-05-01T09:30:00Z"}
	]}`)

	res := Merge(&remote, local, nil, nil, Options{Now: testNow})
	got := views(t, res.Document.Tasks)
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %+v", got)
	}
	if got[0].ID != "T1" || got[0].Title != "local" || got[0].UpdatedAt != "2024-05-01T10:00:00Z" {
		t.Fatalf("expected local T1 first, got %+v", got[0])
	}
	if got[1].ID != "T2" || got[1].UpdatedAt != "2024-05-01T09:30:00Z" {
		t.Fatalf("expected remote T2 second, got %+v", got[1])
	}
	if res.Report.Tasks.LocalWins != 1 || res.Report.Tasks.Merged != 2 {
		t.Fatalf("unexpected report %+v", res.Report.Tasks)
	}
}

func TestMergeTombstoneRemovesOlderCountdown(t *testing.T) {
	remote := mustDocument(t, `{"countdowns":[{"id":"C1","title":"launch","updatedAt":"2024-05-01T10:00:00Z"}]}`)
	local := mustDocument(t, `{"deletions":{"countdowns":{"C1":"2024-05-01T11:00:00Z"}}}`)

	res := Merge(&remote, local, nil, nil, Options{Now: testNow})
	if len(res.Document.Countdowns) != 0 {
		t.Fatalf("expected C1 to be removed, got %s", mustJSON(t, res.Document.Countdowns))
	}
	deletedAt, ok := res.Document.Deletions.Countdowns["C1"]
	if !ok {
		t.Fatalf("expected tombstone for C1 to be retained")
	}
	if want := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC); !deletedAt.Equal(want) {
		t.Fatalf("expected tombstone %s, got %s", want, deletedAt.Time)
	}
	if res.Report.TombstonesApplied != 1 {
		t.Fatalf("expected one applied tombstone, got %d", res.Report.TombstonesApplied)
	}
}

func TestMergeTombstonePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt string
		deletedAt string
		wantLive  bool
	}{
		{name: "tombstone later", updatedAt: "2024-05-01T10:00:00Z", deletedAt: "2024-05-01T10:00:01Z", wantLive: false},
		{name: "record later", updatedAt: "2024-05-01T10:00:01Z", deletedAt: "2024-05-01T10:00:00Z", wantLive: true},
		{name: "equal keeps record", updatedAt: "2024-05-01T10:00:00Z", deletedAt: "2024-05-01T10:00:00Z", wantLive: true},
		{name: "tombstone later below a millisecond", updatedAt: "2024-05-01T10:00:00.0005Z", deletedAt: "2024-05-01T10:00:00.0009Z", wantLive: false},
		{name: "record later below a millisecond", updatedAt: "2024-05-01T10:00:00.0009Z", deletedAt: "2024-05-01T10:00:00.0005Z", wantLive: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := mustDocument(t, `{"countdowns":[{"id":"C9","updatedAt":"`+tc.updatedAt+`"}]}`)
			b := mustDocument(t, `{"deletions":{"countdowns":{"C9":"`+tc.deletedAt+`"}}}`)
			for _, res := range []Result{
				Merge(&a, b, nil, nil, Options{Now: testNow}),
				Merge(&b, a, nil, nil, Options{Now: testNow}),
			} {
				live := len(res.Document.Countdowns) == 1
				if live != tc.wantLive {
					t.Fatalf("expected live=%v, got %s", tc.wantLive, mustJSON(t, res.Document))
				}
				_, tombstoned := res.Document.Deletions.Countdowns["C9"]
				if tombstoned == tc.wantLive {
					t.Fatalf("expected tombstone present=%v, got %s", !tc.wantLive, mustJSON(t, res.Document))
				}
			}
		})
	}
}

func TestMergeSubMillisecondTombstoneRoundsUp(t *testing.T) {
	a := mustDocument(t, `{"countdowns":[{"id":"C1","updatedAt":"2024-05-01T10:00:00.0005Z"}]}`)
	b := mustDocument(t, `{"deletions":{"countdowns":{"C1":"2024-05-01T10:00:00.0009Z"}}}`)
	res := Merge(&a, b, nil, nil, Options{Now: testNow})
	if len(res.Document.Countdowns) != 0 {
		t.Fatalf("expected C1 removed, got %s", mustJSON(t, res.Document))
	}
	if got := mustJSON(t, res.Document.Deletions.Countdowns); got != `{"C1":"2024-05-01T10:00:00.001Z"}` {
		t.Fatalf("expected tombstone rounded up, got %s", got)
	}

	// The written tombstone still removes the record on the next merge.
	again := Merge(&a, res.Document, nil, nil, Options{Now: testNow})
	if len(again.Document.Countdowns) != 0 {
		t.Fatalf("expected C1 to stay removed, got %s", mustJSON(t, again.Document))
	}
}

func TestMergeTombstonesUnionKeepsLater(t *testing.T) {
	a := mustDocument(t, `{"deletions":{"countdowns":{"X":"2024-05-01T08:00:00Z","Y":1714550400000}}}`)
	b := mustDocument(t, `{"deletions":{"countdowns":{"X":"2024-05-01T09:00:00.250Z"}}}`)

	res := Merge(&a, b, nil, nil, Options{Now: testNow})
	got := mustJSON(t, res.Document.Deletions)
	want := `{"countdowns":{"X":"2024-05-01T09:00:00.250Z","Y":"2024-05-01T08:00:00.000Z"}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := mustDocument(t, `{
		"tasks":[
			{"id":"T1","title":"a","updatedAt":"2024-05-01T09:00:00Z"},
			{"id":"T3","title":"a-only","createdAt":"2024-04-30T09:00:00Z"},
			{"id":"T4","title":"untimed"}
		],
		"habits":[{"id":7,"name":"run","updatedAt":1714550400000}],
		"countdowns":[
			{"id":"C1","updatedAt":"2024-05-01T10:00:00Z"},
			{"id":"C2","updatedAt":"2024-05-01T12:00:00Z"}
		],
		"deletions":{"countdowns":{"C3":"2024-05-01T07:00:00Z"}},
		"settings":{"theme":"dark"},
		"secrets":{"apiKey":"a"}
	}`)
	b := mustDocument(t, `{
		"tasks":[
			{"id":"T1","title":"b","updatedAt":"2024-05-01T10:00:00Z"},
			{"id":"T2","title":"b-only","updatedAt":"2024-05-01T08:00:00Z"},
			{"id":"","title":"no id"},
			"not an object"
		],
		"countdowns":[{"id":"C3","updatedAt":"2024-05-01T06:00:00Z"}],
		"deletions":{"countdowns":{"C1":"2024-05-01T11:00:00Z","C2":"2024-05-01T11:00:00Z"}},
		"settings":{"theme":"light"}
	}`)
	metaA := meta(t, "2024-05-01T09:00:00Z")
	metaB := meta(t, "2024-05-01T10:00:00Z")

	first := Merge(&a, b, metaA, metaB, Options{Now: testNow})
	second := Merge(&first.Document, b, &first.Meta, metaB, Options{Now: testNow})

	if got, want := mustJSON(t, second.Document), mustJSON(t, first.Document); got != want {
		t.Fatalf("merge is not idempotent:\nfirst:  %s\nsecond: %s", want, got)
	}
	if got, want := mustJSON(t, second.Meta), mustJSON(t, first.Meta); got != want {
		t.Fatalf("meta is not idempotent: %s vs %s", want, got)
	}
	if first.Report.Tasks.Dropped != 2 {
		t.Fatalf("expected 2 malformed tasks dropped, got %d", first.Report.Tasks.Dropped)
	}
	if first.Report.Tasks.Stamped != 1 {
		t.Fatalf("expected one task stamped with merge time, got %d", first.Report.Tasks.Stamped)
	}
	if first.Report.Settings != SideLocal {
		t.Fatalf("expected later local settings to win, got %q", first.Report.Settings)
	}
	if string(first.Document.Secrets) != `{"apiKey":"a"}` {
		t.Fatalf("expected remote secrets kept when local has none, got %s", first.Document.Secrets)
	}
}

func TestMergeIsContentCommutative(t *testing.T) {
	a := mustDocument(t, `{
		"tasks":[
			{"id":"T1","title":"a","updatedAt":"2024-05-01T09:00:00Z"},
			{"id":"T2","title":"a","updatedAt":"2024-05-01T11:00:00Z"}
		],
		"countdowns":[{"id":"C1","updatedAt":"2024-05-01T10:00:00Z"}],
		"deletions":{"countdowns":{"C2":"2024-05-01T09:00:00Z"}}
	}`)
	b := mustDocument(t, `{
		"tasks":[
			{"id":"T2","title":"b","updatedAt":"2024-05-01T10:00:00Z"},
			{"id":"T1","title":"b","updatedAt":"2024-05-01T10:00:00Z"},
			{"id":"T5","title":"b","updatedAt":"2024-05-01T10:30:00Z"}
		],
		"countdowns":[{"id":"C2","updatedAt":"2024-05-01T08:00:00Z"}],
		"deletions":{"countdowns":{"C1":"2024-05-01T09:30:00Z"}}
	}`)

	ab := Merge(&a, b, nil, nil, Options{Now: testNow})
	ba := Merge(&b, a, nil, nil, Options{Now: testNow})

	if got, want := sortedRecords(t, ba.Document.Tasks), sortedRecords(t, ab.Document.Tasks); got != want {
		t.Fatalf("task sets differ:\nab: %s\nba: %s", want, got)
	}
	if got, want := sortedRecords(t, ba.Document.Countdowns), sortedRecords(t, ab.Document.Countdowns); got != want {
		t.Fatalf("countdown sets differ:\nab: %s\nba: %s", want, got)
	}
	if got, want := mustJSON(t, ba.Document.Deletions), mustJSON(t, ab.Document.Deletions); got != want {
		t.Fatalf("tombstones differ: %s vs %s", want, got)
	}
	titles := map[string]string{}
	for _, v := range views(t, ab.Document.Tasks) {
		titles[v.ID] = v.Title
	}
	if titles["T1"] != "b" || titles["T2"] != "a" || titles["T5"] != "b" {
		t.Fatalf("unexpected winners %+v", titles)
	}
}

func sortedRecords(t *testing.T, raws []json.RawMessage) string {
	t.Helper()
	items := make([]string, 0, len(raws))
	for _, raw := range raws {
		items = append(items, string(raw))
	}
	sort.Strings(items)
	return mustJSON(t, items)
}

func TestMergeTieKeepsRemoteRecord(t *testing.T) {
	remote := mustDocument(t, `{"habits":[{"id":"H1","name":"remote","updatedAt":"2024-05-01T10:00:00Z"}]}`)
	local := mustDocument(t, `{"habits":[{"id":"H1","name":"local","updatedAt":"2024-05-01T10:00:00.000Z"}]}`)

	res := Merge(&remote, local, nil, nil, Options{Now: testNow})
	got := views(t, res.Document.Habits)
	if len(got) != 1 || got[0].ID != "H1" {
		t.Fatalf("expected a single H1, got %+v", got)
	}
	var habit struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(res.Document.Habits[0], &habit); err != nil {
		t.Fatalf("decode habit: %v", err)
	}
	if habit.Name != "remote" {
		t.Fatalf("expected tie to keep remote, got %q", habit.Name)
	}
}

func TestMergeNormalizesUpdatedAt(t *testing.T) {
	local := mustDocument(t, `{"tasks":[
		{"id":"T1","createdAt":"2024-04-01T00:00:00Z"},
		{"id":"T2"},
		{"id":"T3","updatedAt":null,"createdAt":1711929600000}
	]}`)

	res := Merge(nil, local, nil, nil, Options{Now: testNow})
	if len(res.Document.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %s", mustJSON(t, res.Document.Tasks))
	}
	updated := make([]any, 0, 3)
	for _, raw := range res.Document.Tasks {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		updated = append(updated, fields["updatedAt"])
	}
	if updated[0] != "2024-04-01T00:00:00Z" {
		t.Fatalf("expected createdAt fallback, got %v", updated[0])
	}
	if updated[1] != "2024-05-01T12:00:00.000Z" {
		t.Fatalf("expected merge-time fallback, got %v", updated[1])
	}
	if updated[2] != float64(1711929600000) {
		t.Fatalf("expected numeric createdAt copied to updatedAt, got %v", updated[2])
	}
	if res.Report.Tasks.Stamped != 1 {
		t.Fatalf("expected one stamped task, got %d", res.Report.Tasks.Stamped)
	}
}

func TestMergeCollapsesDuplicateIDs(t *testing.T) {
	local := mustDocument(t, `{"tasks":[
		{"id":"T1","title":"old","updatedAt":"2024-05-01T08:00:00Z"},
		{"id":"T2","title":"other","updatedAt":"2024-05-01T08:00:00Z"},
		{"id":"T1","title":"new","updatedAt":"2024-05-01T09:00:00Z"}
	]}`)

	res := Merge(nil, local, nil, nil, Options{Now: testNow})
	got := views(t, res.Document.Tasks)
	if len(got) != 2 || got[0].ID != "T1" || got[0].Title != "new" || got[1].ID != "T2" {
		t.Fatalf("expected collapsed T1 in first position, got %+v", got)
	}
}

func TestMergeBlobRules(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		local      string
		remoteMeta string
		localMeta  string
		want       string
		wantSide   Side
	}{
		{name: "later local wins", remote: `{"a":1}`, local: `{"a":2}`, remoteMeta: "2024-05-01T09:00:00Z", localMeta: "2024-05-01T10:00:00Z", want: `{"a":2}`, wantSide: SideLocal},
		{name: "later remote wins", remote: `{"a":1}`, local: `{"a":2}`, remoteMeta: "2024-05-01T11:00:00Z", localMeta: "2024-05-01T10:00:00Z", want: `{"a":1}`, wantSide: SideRemote},
		{name: "tie keeps remote", remote: `{"a":1}`, local: `{"a":2}`, remoteMeta: "2024-05-01T10:00:00Z", localMeta: "2024-05-01T10:00:00Z", want: `{"a":1}`, wantSide: SideRemote},
		{name: "local without meta loses", remote: `{"a":1}`, local: `{"a":2}`, remoteMeta: "2024-05-01T10:00:00Z", want: `{"a":1}`, wantSide: SideRemote},
		{name: "remote without meta loses", remote: `{"a":1}`, local: `{"a":2}`, localMeta: "2024-05-01T10:00:00Z", want: `{"a":2}`, wantSide: SideLocal},
		{name: "no meta keeps remote", remote: `{"a":1}`, local: `{"a":2}`, want: `{"a":1}`, wantSide: SideRemote},
		{name: "metaless side used when other is empty", local: `{"a":2}`, want: `{"a":2}`, wantSide: SideLocal},
		{name: "winner without blob falls back to older side", remote: `{"a":1}`, remoteMeta: "2024-05-01T09:00:00Z", localMeta: "2024-05-01T10:00:00Z", want: `{"a":1}`, wantSide: SideRemote},
		{name: "metaless remote blob dropped when local has meta", remote: `{"a":1}`, localMeta: "2024-05-01T10:00:00Z", want: ``, wantSide: SideNone},
		{name: "metaless local blob dropped when remote has meta", local: `{"a":2}`, remoteMeta: "2024-05-01T10:00:00Z", want: ``, wantSide: SideNone},
		{name: "both empty", want: ``, wantSide: SideNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remote := Document{Settings: json.RawMessage(tc.remote)}
			local := Document{Settings: json.RawMessage(tc.local)}
			var remoteMeta, localMeta *Meta
			if tc.remoteMeta != "" {
				remoteMeta = meta(t, tc.remoteMeta)
			}
			if tc.localMeta != "" {
				localMeta = meta(t, tc.localMeta)
			}
			res := Merge(&remote, local, remoteMeta, localMeta, Options{Now: testNow})
			if string(res.Document.Settings) != tc.want {
				t.Fatalf("expected settings %q, got %q", tc.want, res.Document.Settings)
			}
			if res.Report.Settings != tc.wantSide {
				t.Fatalf("expected side %q, got %q", tc.wantSide, res.Report.Settings)
			}
		})
	}
}

func TestMergeOutputMetaIsLater(t *testing.T) {
	res := Merge(&Document{}, Document{}, meta(t, "2024-05-01T09:00:00Z"), meta(t, "2024-05-01T10:00:00Z"), Options{Now: testNow})
	if got := mustJSON(t, res.Meta); got != `{"lastLocalChange":"2024-05-01T10:00:00.000Z"}` {
		t.Fatalf("unexpected meta %s", got)
	}
	empty := Merge(nil, Document{}, nil, nil, Options{Now: testNow})
	if got := mustJSON(t, empty.Meta); got != `{"lastLocalChange":null}` {
		t.Fatalf("unexpected empty meta %s", got)
	}
}

func TestMergeWithoutRemoteNormalizesLocal(t *testing.T) {
	local := mustDocument(t, `{"tasks":[{"id":"T1","updatedAt":"2024-05-01T10:00:00Z"},{"title":"orphan"}]}`)
	res := Merge(nil, local, nil, meta(t, "2024-05-01T10:00:00Z"), Options{Now: testNow})
	got := mustJSON(t, res.Document)
	want := `{"tasks":[{"id":"T1","updatedAt":"2024-05-01T10:00:00Z"}],"habits":[],"countdowns":[],"deletions":{"countdowns":{}}}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if res.Report.Dropped() != 1 {
		t.Fatalf("expected one dropped record, got %d", res.Report.Dropped())
	}
}
