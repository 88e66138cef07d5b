package lexicon

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, raw string, opts ParseOptions) Parsed {
	t.Helper()
	p, err := Parse(json.RawMessage(raw), opts)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return p
}

func TestRegistryUpsertGetRemove(t *testing.T) {
	r := NewRegistry(nil, nil)

	p := mustParse(t, `{"lexicon":1,"id":"x.y.z","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`, ParseOptions{Revision: 1, Source: SourceManual})

	r.Upsert(p)
	got, ok := r.Get("x.y.z")
	if !ok || got.ID != p.ID || got.Revision != p.Revision {
		t.Fatalf("Get after Upsert = %+v, %v; want %+v, true", got, ok, p)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	if !r.Remove("x.y.z") {
		t.Fatalf("Remove returned false for existing id")
	}
	if _, ok := r.Get("x.y.z"); ok {
		t.Fatalf("Get after Remove found an entry")
	}
	if r.Count() != 0 {
		t.Fatalf("Count after Remove = %d, want 0", r.Count())
	}
}

func TestParseRejectsMissingID(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"lexicon":1,"defs":{"main":{"type":"record"}}}`), ParseOptions{})
	if err == nil {
		t.Fatalf("Parse with missing id: want error, got nil")
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse(json.RawMessage(`{"id":"x.y.z","lexicon":2,"defs":{"main":{"type":"record"}}}`), ParseOptions{})
	if err == nil {
		t.Fatalf("Parse with lexicon version 2: want error, got nil")
	}
}

func TestParseClassifiesUnknownMainAsDefinitions(t *testing.T) {
	p := mustParse(t, `{"lexicon":1,"id":"x.y.z","defs":{"main":{"type":"token"}}}`, ParseOptions{})
	if p.Type != TypeDefinitions {
		t.Fatalf("Type = %v, want TypeDefinitions", p.Type)
	}
}

func TestParsePreservesRawForRoundTrip(t *testing.T) {
	raw := `{"lexicon":1,"id":"x.y.z","defs":{"main":{"type":"query"}}}`
	p := mustParse(t, raw, ParseOptions{})
	if string(p.Raw) != raw {
		t.Fatalf("Raw = %q, want %q", p.Raw, raw)
	}
}

func TestRecordCollectionsIncludesSchemaCollection(t *testing.T) {
	r := NewRegistry(nil, nil)
	cols := r.RecordCollections()
	if len(cols) != 1 || cols[0] != SchemaCollection {
		t.Fatalf("RecordCollections on empty registry = %v, want [%s]", cols, SchemaCollection)
	}

	p := mustParse(t, `{"lexicon":1,"id":"x.y.z","defs":{"main":{"type":"record","key":"tid","record":{"type":"object"}}}}`, ParseOptions{})
	r.Upsert(p)
	cols = r.RecordCollections()
	found := false
	for _, c := range cols {
		if c == "x.y.z" {
			found = true
		}
	}
	if !found {
		t.Fatalf("RecordCollections = %v, want to include x.y.z", cols)
	}
}

func TestFilterChannelLatestValueWins(t *testing.T) {
	f := NewFilterChannel()
	f.Push([]string{"a"})
	f.Push([]string{"a", "b"})

	got := <-f.C()
	if len(got) != 2 {
		t.Fatalf("C() = %v, want the coalesced latest push", got)
	}
}
