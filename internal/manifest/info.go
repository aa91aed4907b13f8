package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BackupEntry is one row of the backup.info index: the metadata the
// orchestrator needs to locate and validate a completed backup without
// loading its full manifest.
type BackupEntry struct {
	Label        string
	Type         BackupType
	PriorLabel   string `json:"priorLabel,omitempty"`
	Timestamp    time.Time
	PgVersion    string
	SystemID     uint64
	CompressType string
}

// Info is the in-memory model of backup.info / backup.info.copy: the
// index of completed backups for one stanza.
type Info struct {
	Backups map[string]BackupEntry // keyed by label
}

// NewInfo returns an empty index.
func NewInfo() *Info {
	return &Info{Backups: map[string]BackupEntry{}}
}

// Add appends or replaces one entry in place; the index is then ready for
// SerializeInfo.
func (i *Info) Add(e BackupEntry) {
	i.Backups[e.Label] = e
}

// Latest returns the most recent backup of any type, by Timestamp, or
// false if the index is empty.
func (i *Info) Latest() (BackupEntry, bool) {
	var best BackupEntry
	found := false
	for _, e := range i.Backups {
		if !found || e.Timestamp.After(best.Timestamp) {
			best, found = e, true
		}
	}
	return best, found
}

// LatestFull returns the most recent full backup, or false if none exists.
func (i *Info) LatestFull() (BackupEntry, bool) {
	var best BackupEntry
	found := false
	for _, e := range i.Backups {
		if e.Type != TypeFull {
			continue
		}
		if !found || e.Timestamp.After(best.Timestamp) {
			best, found = e, true
		}
	}
	return best, found
}

// SerializeInfo uses the same sectioned/checksummed staging discipline as
// Serialize: one [backup:<label>] section per entry, sorted by label.
func SerializeInfo(i *Info) ([]byte, error) {
	var body bytes.Buffer
	keys := sortedKeys(i.Backups)
	for _, label := range keys {
		e := i.Backups[label]
		v, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("manifest: marshal backup.info entry %q: %w", label, err)
		}
		body.WriteString(fmt.Sprintf("[backup:%s]\n", label))
		body.Write(v)
		body.WriteString("\n\n")
	}

	sum := sha1.Sum(body.Bytes())
	checksum := hex.EncodeToString(sum[:])

	var out bytes.Buffer
	out.Write(body.Bytes())
	out.WriteString("[backrest]\n")
	out.WriteString(fmt.Sprintf("checksum=%q\n", checksum))
	return out.Bytes(), nil
}

// LoadInfo parses backup.info/backup.info.copy, verifying its checksum.
func LoadInfo(data []byte) (*Info, error) {
	idx := bytes.LastIndex(data, []byte("[backrest]\n"))
	if idx < 0 {
		return nil, fmt.Errorf("manifest: backup.info missing [backrest] trailer")
	}
	body := data[:idx]
	trailer := string(data[idx+len("[backrest]\n"):])

	k, v, ok := splitKV(trimNewline(trailer))
	if !ok || k != "checksum" {
		return nil, fmt.Errorf("manifest: backup.info malformed trailer")
	}
	var found string
	if err := json.Unmarshal([]byte(v), &found); err != nil {
		return nil, fmt.Errorf("manifest: parse backup.info checksum: %w", err)
	}

	sum := sha1.Sum(body)
	expected := hex.EncodeToString(sum[:])
	if found != expected {
		return nil, &ChecksumError{Expected: found, Found: expected}
	}

	info := NewInfo()
	lines := splitLines(string(body))
	var curLabel string
	for _, line := range lines {
		if len(line) > len("[backup:]") && line[:len("[backup:")] == "[backup:" {
			curLabel = line[len("[backup:") : len(line)-1]
			continue
		}
		if curLabel == "" || line == "" {
			continue
		}
		var e BackupEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("manifest: parse backup.info entry %q: %w", curLabel, err)
		}
		info.Backups[curLabel] = e
		curLabel = ""
	}
	return info, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
