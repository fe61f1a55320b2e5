package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ShantanuRaghuwanshi/conveyor/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		s := id.NewJobID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate id generated: %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := id.NewJobID()
	parsed, err := id.ParseJobID(orig.String())
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParseWrongPrefix(t *testing.T) {
	w := id.NewWorkerID()
	if _, err := id.ParseJobID(w.String()); err == nil {
		t.Error("expected error parsing worker id as job id")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var nilID id.ID
	if !nilID.IsNil() {
		t.Error("zero value should be nil")
	}
	if nilID.String() != "" {
		t.Errorf("nil ID string = %q, want empty", nilID.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewJobID()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("json round trip mismatch: %q != %q", decoded.String(), orig.String())
	}
}

func TestScanValue(t *testing.T) {
	orig := id.NewJobID()
	v, err := orig.Value()
	if err != nil {
		t.Fatalf("value error: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Errorf("scan round trip mismatch: %q != %q", scanned.String(), orig.String())
	}

	var nilScanned id.ID
	if err := nilScanned.Scan(nil); err != nil {
		t.Fatalf("scan nil error: %v", err)
	}
	if !nilScanned.IsNil() {
		t.Error("scanning nil should produce the Nil ID")
	}
}
