package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/vbp1/pgbackup-core/internal/manifest"
)

const labelTimeLayout = "20060102-150405"

// AssignLabel builds the canonical label for a new backup (spec §3):
// `YYYYMMDD-HHMMSS[F|_YYYYMMDD-HHMMSS{D|I}]`. Its own timestamp must
// strictly exceed every existing label; if the current second is already
// taken, it sleeps to the next second and tries once more before giving up.
func AssignLabel(now time.Time, typ manifest.BackupType, priorLabel string, existing map[string]bool) (string, time.Time, error) {
	for attempt := 0; attempt < 2; attempt++ {
		label := formatLabel(now, typ, priorLabel)
		if !existing[label] && afterAllExisting(now, existing) {
			return label, now, nil
		}
		next := now.Truncate(time.Second).Add(time.Second)
		time.Sleep(time.Until(next))
		now = next
	}
	return "", time.Time{}, fmt.Errorf("backup: could not assign a monotonic label after waiting, repository clock may be skewed")
}

func formatLabel(now time.Time, typ manifest.BackupType, priorLabel string) string {
	ts := now.UTC().Format(labelTimeLayout)
	switch typ {
	case manifest.TypeFull:
		return ts + "F"
	case manifest.TypeDiff:
		return fmt.Sprintf("%s_%sD", priorLabel, ts)
	case manifest.TypeIncr:
		return fmt.Sprintf("%s_%sI", priorLabel, ts)
	default:
		return ts + "F"
	}
}

// afterAllExisting reports whether now's second strictly exceeds the
// timestamp embedded in every existing label (comparing the trailing
// YYYYMMDD-HHMMSS component, which is always the most recent stamp in a
// diff/incr label too).
func afterAllExisting(now time.Time, existing map[string]bool) bool {
	nowTs := now.UTC().Format(labelTimeLayout)
	for label := range existing {
		if trailingTimestamp(label) >= nowTs {
			return false
		}
	}
	return true
}

func trailingTimestamp(label string) string {
	if idx := strings.LastIndexByte(label, '_'); idx >= 0 {
		label = label[idx+1:]
	}
	return strings.TrimRight(label, "FDI")
}
