package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/okian/racepulse/internal/domain/model"
)

// fieldSeparator cannot appear in provider identifiers.
const fieldSeparator = "\x1f"

// Fingerprint hashes parts into a deterministic hex key.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, fieldSeparator)))
	return hex.EncodeToString(sum[:])
}

// DetectionFingerprint is the uniqueness key of an occurrence: a participant
// crosses a given split of an event once.
func DetectionFingerprint(key model.OccurrenceKey) string {
	return Fingerprint(key.RaceID, key.EventID, key.ParticipantID, key.SplitName)
}

// ModificationFingerprint keys one correction of an occurrence, so replays of
// the same correction are idempotent while a later correction is not.
func ModificationFingerprint(key model.OccurrenceKey, rawTime string) string {
	return Fingerprint(key.RaceID, key.EventID, key.ParticipantID, key.SplitName, string(model.KindModification), rawTime)
}
