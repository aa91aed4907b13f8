package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// ChecksumError means the trailing [backrest] checksum didn't match the
// recomputed checksum of the bytes above it.
type ChecksumError struct {
	Expected, Found string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("manifest: checksum mismatch: file says %s, recomputed %s", e.Expected, e.Found)
}

// Serialize writes m as a sectioned [section]/key=JSON-value text format,
// with keys sorted within each section and the sections themselves written
// in the fixed order backup, target, path, file, link, defaults (not
// sorted by name), terminated by a
// [backrest] section carrying a checksum of the bytes above it. The two
// passes (buffer, then checksum, then trailer) implement spec §9's
// "stage in memory, never stream directly to disk" requirement.
func Serialize(m *Manifest) ([]byte, error) {
	var body bytes.Buffer

	if err := writeKVSection(&body, "backup", map[string]any{
		"backup-label":       m.Data.BackupLabel,
		"backup-type":        string(m.Data.BackupType),
		"backup-label-prior": m.Data.BackupLabelPrior,
		"pg-version":         m.Data.PgVersion,
		"producer-version":   m.Data.ProducerVersion,
		"system-id":          m.Data.SystemID,
		"wal-start":          m.Data.WalStart,
		"wal-stop":           m.Data.WalStop,
		"lsn-start":          m.Data.LsnStart,
		"lsn-stop":           m.Data.LsnStop,
		"timestamp-start":    m.Data.TimestampStart,
		"timestamp-stop":     m.Data.TimestampStop,
		"compress-type":      m.Data.CompressType,
		"hardlink":           m.Data.HardLink,
		"checksum-page":      m.Data.ChecksumPage,
		"delta":              m.Data.Delta,
		"timeline":           m.Data.Timeline,
	}); err != nil {
		return nil, err
	}

	if err := writeEntitySection(&body, "target", targetsToAny(m.Targets)); err != nil {
		return nil, err
	}
	if err := writeEntitySection(&body, "path", pathsToAny(m.Paths)); err != nil {
		return nil, err
	}
	if err := writeEntitySection(&body, "file", filesToAny(m.Files)); err != nil {
		return nil, err
	}
	if err := writeEntitySection(&body, "link", linksToAny(m.Links)); err != nil {
		return nil, err
	}

	if err := writeKVSection(&body, "defaults", map[string]any{
		"file": m.Defaults.File,
		"path": m.Defaults.Path,
		"link": m.Defaults.Link,
	}); err != nil {
		return nil, err
	}

	sum := sha1.Sum(body.Bytes())
	checksum := hex.EncodeToString(sum[:])

	var out bytes.Buffer
	out.Write(body.Bytes())
	out.WriteString("[backrest]\n")
	out.WriteString(fmt.Sprintf("checksum=%q\n", checksum))

	return out.Bytes(), nil
}

func writeKVSection(w *bytes.Buffer, section string, kv map[string]any) error {
	keys := sortedKeys(kv)
	w.WriteString("[" + section + "]\n")
	for _, k := range keys {
		v, err := json.Marshal(kv[k])
		if err != nil {
			return fmt.Errorf("manifest: marshal %s.%s: %w", section, k, err)
		}
		w.WriteString(k)
		w.WriteByte('=')
		w.Write(v)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	return nil
}

func writeEntitySection(w *bytes.Buffer, section string, entries map[string]any) error {
	keys := sortedKeys(entries)
	w.WriteString("[" + section + "]\n")
	for _, k := range keys {
		v, err := json.Marshal(entries[k])
		if err != nil {
			return fmt.Errorf("manifest: marshal %s[%q]: %w", section, k, err)
		}
		w.WriteString(fmt.Sprintf("%q=", k))
		w.Write(v)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func targetsToAny(m map[string]Target) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
func pathsToAny(m map[string]PathInfo) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
func filesToAny(m map[string]FileInfo) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
func linksToAny(m map[string]LinkInfo) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Load parses a manifest serialized by Serialize, verifying its trailing
// checksum first.
func Load(data []byte) (*Manifest, error) {
	idx := bytes.LastIndex(data, []byte("[backrest]\n"))
	if idx < 0 {
		return nil, fmt.Errorf("manifest: missing [backrest] trailer")
	}
	body := data[:idx]
	trailer := data[idx+len("[backrest]\n"):]

	var found string
	for _, line := range strings.Split(strings.TrimRight(string(trailer), "\n"), "\n") {
		k, v, ok := splitKV(line)
		if ok && k == "checksum" {
			if err := json.Unmarshal([]byte(v), &found); err != nil {
				return nil, fmt.Errorf("manifest: parse checksum: %w", err)
			}
		}
	}

	sum := sha1.Sum(body)
	expected := hex.EncodeToString(sum[:])
	if found != expected {
		return nil, &ChecksumError{Expected: found, Found: expected}
	}

	sections, err := parseSections(body)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Targets: map[string]Target{},
		Paths:   map[string]PathInfo{},
		Files:   map[string]FileInfo{},
		Links:   map[string]LinkInfo{},
	}

	if sec, ok := sections["backup"]; ok {
		if err := populateBackupData(&m.Data, sec); err != nil {
			return nil, err
		}
	}
	if sec, ok := sections["target"]; ok {
		for k, v := range sec {
			var t Target
			if err := json.Unmarshal([]byte(v), &t); err != nil {
				return nil, fmt.Errorf("manifest: parse target %q: %w", k, err)
			}
			m.Targets[unquote(k)] = t
		}
	}
	if sec, ok := sections["path"]; ok {
		for k, v := range sec {
			var p PathInfo
			if err := json.Unmarshal([]byte(v), &p); err != nil {
				return nil, fmt.Errorf("manifest: parse path %q: %w", k, err)
			}
			m.Paths[unquote(k)] = p
		}
	}
	if sec, ok := sections["file"]; ok {
		for k, v := range sec {
			var f FileInfo
			if err := json.Unmarshal([]byte(v), &f); err != nil {
				return nil, fmt.Errorf("manifest: parse file %q: %w", k, err)
			}
			m.Files[unquote(k)] = f
		}
	}
	if sec, ok := sections["link"]; ok {
		for k, v := range sec {
			var l LinkInfo
			if err := json.Unmarshal([]byte(v), &l); err != nil {
				return nil, fmt.Errorf("manifest: parse link %q: %w", k, err)
			}
			m.Links[unquote(k)] = l
		}
	}
	if sec, ok := sections["defaults"]; ok {
		if v, ok := sec["file"]; ok {
			_ = json.Unmarshal([]byte(v), &m.Defaults.File)
		}
		if v, ok := sec["path"]; ok {
			_ = json.Unmarshal([]byte(v), &m.Defaults.Path)
		}
		if v, ok := sec["link"]; ok {
			_ = json.Unmarshal([]byte(v), &m.Defaults.Link)
		}
	}

	return m, nil
}

func populateBackupData(d *ManifestData, sec map[string]string) error {
	str := func(k string) string {
		var s string
		_ = json.Unmarshal([]byte(sec[k]), &s)
		return s
	}
	d.BackupLabel = str("backup-label")
	d.BackupType = BackupType(str("backup-type"))
	d.BackupLabelPrior = str("backup-label-prior")
	d.PgVersion = str("pg-version")
	d.ProducerVersion = str("producer-version")
	d.WalStart = str("wal-start")
	d.WalStop = str("wal-stop")
	d.LsnStart = str("lsn-start")
	d.LsnStop = str("lsn-stop")
	d.CompressType = str("compress-type")
	if v, ok := sec["system-id"]; ok {
		_ = json.Unmarshal([]byte(v), &d.SystemID)
	}
	if v, ok := sec["timestamp-start"]; ok {
		_ = json.Unmarshal([]byte(v), &d.TimestampStart)
	}
	if v, ok := sec["timestamp-stop"]; ok {
		_ = json.Unmarshal([]byte(v), &d.TimestampStop)
	}
	if v, ok := sec["hardlink"]; ok {
		_ = json.Unmarshal([]byte(v), &d.HardLink)
	}
	if v, ok := sec["checksum-page"]; ok {
		_ = json.Unmarshal([]byte(v), &d.ChecksumPage)
	}
	if v, ok := sec["delta"]; ok {
		_ = json.Unmarshal([]byte(v), &d.Delta)
	}
	if v, ok := sec["timeline"]; ok {
		_ = json.Unmarshal([]byte(v), &d.Timeline)
	}
	return nil
}

// parseSections splits the buffered body into section -> (key -> raw JSON
// value) maps.
func parseSections(body []byte) (map[string]map[string]string, error) {
	sections := map[string]map[string]string{}
	var cur string

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cur = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if sections[cur] == nil {
				sections[cur] = map[string]string{}
			}
			continue
		}
		if cur == "" {
			continue
		}
		k, v, ok := splitKV(line)
		if !ok {
			return nil, fmt.Errorf("manifest: malformed line in section %q: %q", cur, line)
		}
		sections[cur][k] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: scan body: %w", err)
	}
	return sections, nil
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

func unquote(key string) string {
	var s string
	if err := json.Unmarshal([]byte(key), &s); err == nil {
		return s
	}
	return key
}
