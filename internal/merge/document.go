package merge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidDocument = errors.New("invalid sync document")

// Document is the full dataset exchanged between devices. Collections keep
// each record's raw JSON so fields the engine does not inspect round-trip
// unchanged.
type Document struct {
	Tasks      []json.RawMessage `json:"tasks"`
	Habits     []json.RawMessage `json:"habits"`
	Countdowns []json.RawMessage `json:"countdowns"`
	Deletions  Deletions         `json:"deletions"`
	Settings   json.RawMessage   `json:"settings,omitempty"`
	Secrets    json.RawMessage   `json:"secrets,omitempty"`
}

type Deletions struct {
	Countdowns map[string]Timestamp `json:"countdowns"`
}

type Meta struct {
	LastLocalChange Timestamp `json:"lastLocalChange"`
}

func (m *Meta) present() bool {
	return m != nil && !m.LastLocalChange.IsZero()
}

// Envelope is the stored form of a document: the document fields plus the
// meta that produced it.
type Envelope struct {
	Document
	Meta *Meta `json:"meta,omitempty"`
}

func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	out := plain(d)
	if out.Tasks == nil {
		out.Tasks = []json.RawMessage{}
	}
	if out.Habits == nil {
		out.Habits = []json.RawMessage{}
	}
	if out.Countdowns == nil {
		out.Countdowns = []json.RawMessage{}
	}
	if out.Deletions.Countdowns == nil {
		out.Deletions.Countdowns = map[string]Timestamp{}
	}
	if !blobPresent(out.Settings) {
		out.Settings = nil
	}
	if !blobPresent(out.Secrets) {
		out.Secrets = nil
	}
	return json.Marshal(out)
}

// MarshalJSON is needed because the embedded Document's marshaler would
// otherwise be promoted and drop Meta.
func (e Envelope) MarshalJSON() ([]byte, error) {
	doc, err := e.Document.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if !e.Meta.present() {
		return doc, nil
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(doc[:len(doc)-1])
	buf.WriteString(`,"meta":`)
	buf.Write(meta)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseDocument decodes a document. Empty input yields an empty document.
// Individual records are not validated here; Merge drops malformed ones.
func ParseDocument(data []byte) (Document, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return Document{}, err
	}
	return env.Document, nil
}

func ParseEnvelope(data []byte) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Envelope{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var env Envelope
	var err error
	if env.Tasks, err = decodeCollection(fields, "tasks"); err != nil {
		return Envelope{}, err
	}
	if env.Habits, err = decodeCollection(fields, "habits"); err != nil {
		return Envelope{}, err
	}
	if env.Countdowns, err = decodeCollection(fields, "countdowns"); err != nil {
		return Envelope{}, err
	}
	if raw, ok := fields["deletions"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.Deletions); err != nil {
			return Envelope{}, fmt.Errorf("%w: deletions: %v", ErrInvalidDocument, err)
		}
	}
	if raw, ok := fields["settings"]; ok && !isNull(raw) {
		env.Settings = raw
	}
	if raw, ok := fields["secrets"]; ok && !isNull(raw) {
		env.Secrets = raw
	}
	if raw, ok := fields["meta"]; ok && !isNull(raw) {
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return Envelope{}, fmt.Errorf("%w: meta: %v", ErrInvalidDocument, err)
		}
		env.Meta = &meta
	}
	return env, nil
}

func decodeCollection(fields map[string]json.RawMessage, name string) ([]json.RawMessage, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array", ErrInvalidDocument, name)
	}
	return items, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func blobPresent(raw json.RawMessage) bool {
	return !isNull(raw)
}
