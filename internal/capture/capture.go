// Package capture defines the naming and identity rules for correlator
// output: fragment filenames, observation group keys, and the deterministic
// fingerprint that ties a conversion job to its product record.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// KeyLayout is the timestamp layout used for group keys and fragment names.
// Keys formatted this way sort chronologically as plain strings.
const KeyLayout = "2006-01-02T15:04:05"

// FragmentExt is the file extension the correlator writes.
const FragmentExt = ".hdf5"

// ArtifactExt is the extension of converted artifacts.
const ArtifactExt = ".ms"

// fragmentPattern matches correlator output names such as
// "2025-01-15T12:00:00_sb05.hdf5".
var fragmentPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`)

// Name carries the identity encoded in a fragment filename.
type Name struct {
	CaptureTime time.Time
	Ordinal     int
}

// ParseFragmentName extracts the capture timestamp and subband ordinal from a
// fragment filename. The path may include directories; only the base name is
// inspected. Returns false for names that do not follow the correlator
// convention.
func ParseFragmentName(path string) (Name, bool) {
	base := filepath.Base(path)
	m := fragmentPattern.FindStringSubmatch(base)
	if m == nil {
		return Name{}, false
	}
	ts, err := time.ParseInLocation(KeyLayout, m[1], time.UTC)
	if err != nil {
		return Name{}, false
	}
	ordinal, err := strconv.Atoi(m[2])
	if err != nil {
		return Name{}, false
	}
	return Name{CaptureTime: ts, Ordinal: ordinal}, true
}

// FragmentName builds the canonical filename for a capture time and ordinal.
func FragmentName(captureTime time.Time, ordinal int) string {
	return fmt.Sprintf("%s_sb%02d%s", captureTime.UTC().Format(KeyLayout), ordinal, FragmentExt)
}

// GroupKey formats an anchor timestamp as a group key.
func GroupKey(anchor time.Time) string {
	return anchor.UTC().Format(KeyLayout)
}

// ParseGroupKey parses a group key back into its anchor timestamp.
func ParseGroupKey(key string) (time.Time, error) {
	return time.ParseInLocation(KeyLayout, key, time.UTC)
}

// Fingerprint derives the idempotency key for a group. It depends only on
// the group key, so it can be recomputed later from an artifact name.
func Fingerprint(groupKey string) string {
	sum := sha256.Sum256([]byte("observation:" + groupKey))
	return hex.EncodeToString(sum[:])
}

// ArtifactName returns the artifact filename for a group.
func ArtifactName(groupKey string) string {
	return groupKey + ArtifactExt
}

// GroupKeyFromArtifact recovers the group key from an artifact path, or
// returns false if the name does not look like a converted observation.
func GroupKeyFromArtifact(path string) (string, bool) {
	base := filepath.Base(path)
	key, found := strings.CutSuffix(base, ArtifactExt)
	if !found {
		return "", false
	}
	if _, err := ParseGroupKey(key); err != nil {
		return "", false
	}
	return key, true
}
