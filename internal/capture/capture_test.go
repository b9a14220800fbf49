package capture_test

import (
	"testing"
	"time"

	"fringe/internal/capture"
)

func TestParseFragmentName(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		wantOK  bool
		ordinal int
		capture string
	}{
		{"plain", "2025-01-15T12:00:00_sb05.hdf5", true, 5, "2025-01-15T12:00:00"},
		{"with directories", "/data/incoming/2025-01-15T12:00:00_sb15.hdf5", true, 15, "2025-01-15T12:00:00"},
		{"ordinal zero", "2025-01-15T12:00:00_sb00.hdf5", true, 0, "2025-01-15T12:00:00"},
		{"wrong extension", "2025-01-15T12:00:00_sb05.ms", false, 0, ""},
		{"single digit ordinal", "2025-01-15T12:00:00_sb5.hdf5", false, 0, ""},
		{"missing separator", "2025-01-15T120000_sb05.hdf5", false, 0, ""},
		{"trailing garbage", "2025-01-15T12:00:00_sb05.hdf5.partial", false, 0, ""},
		{"impossible date", "2025-13-45T12:00:00_sb05.hdf5", false, 0, ""},
	}
	for _, tc := range cases {
		got, ok := capture.ParseFragmentName(tc.path)
		if ok != tc.wantOK {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if got.Ordinal != tc.ordinal {
			t.Fatalf("%s: ordinal = %d, want %d", tc.name, got.Ordinal, tc.ordinal)
		}
		if key := capture.GroupKey(got.CaptureTime); key != tc.capture {
			t.Fatalf("%s: capture = %s, want %s", tc.name, key, tc.capture)
		}
	}
}

func TestFragmentNameRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 9, 4, 30, 0, 0, time.UTC)
	name := capture.FragmentName(ts, 7)
	if name != "2025-03-09T04:30:00_sb07.hdf5" {
		t.Fatalf("unexpected fragment name %q", name)
	}
	parsed, ok := capture.ParseFragmentName(name)
	if !ok {
		t.Fatalf("expected %q to parse", name)
	}
	if !parsed.CaptureTime.Equal(ts) || parsed.Ordinal != 7 {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := capture.Fingerprint("2025-01-15T12:00:00")
	b := capture.Fingerprint("2025-01-15T12:00:00")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64", len(a))
	}
	if a == capture.Fingerprint("2025-01-15T12:00:01") {
		t.Fatal("distinct group keys produced identical fingerprints")
	}
}

func TestGroupKeyFromArtifact(t *testing.T) {
	key, ok := capture.GroupKeyFromArtifact("/data/ms/2025-01-15T12:00:00.ms")
	if !ok || key != "2025-01-15T12:00:00" {
		t.Fatalf("got %q, %v", key, ok)
	}
	if _, ok := capture.GroupKeyFromArtifact("/data/ms/notes.txt"); ok {
		t.Fatal("expected non-artifact name to be rejected")
	}
	if _, ok := capture.GroupKeyFromArtifact("/data/ms/garbage.ms"); ok {
		t.Fatal("expected unparseable artifact stem to be rejected")
	}
}
