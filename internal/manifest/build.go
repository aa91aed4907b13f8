package manifest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// skipDirs are directories whose *contents* are excluded entirely, per
// spec §4.E step 3; the directory entry itself is kept.
var skipDirs = map[string]bool{
	"pg_replslot":  true,
	"pg_dynshmem":  true,
	"pg_notify":    true,
	"pg_serial":    true,
	"pg_snapshots": true,
	"pg_stat_tmp":  true,
	"pg_subtrans":  true,
}

// skipFiles are individual pg_data entries always excluded: the postmaster
// files at the top level only, pg_internal.init at any depth.
var skipFiles = map[string]bool{
	"postmaster.pid":   true,
	"postmaster.opts":  true,
	"pg_internal.init": true,
}

// nonRelationForkSuffixes are relation fork files never page-checksum
// candidates even when they sit under base/ or a tablespace.
var nonRelationForkSuffixes = []string{"_vm", "_fsm", "_init"}

// BuildOptions configures buildLive.
type BuildOptions struct {
	PgDataPath     string
	PgVersion      string // expected major, e.g. "13"; mismatch is a caller-level PgVersionMismatch
	PageSize       uint32
	ArchiveCopy    bool // when false, pg_wal/ contents are excluded
	Tablespaces    []TablespaceMapping
}

// TablespaceMapping is one entry from pg_tblspc/<id> -> external filesystem path.
type TablespaceMapping struct {
	ID   string
	Name string
	Path string
}

// BuildLive walks the live cluster and returns a populated Manifest with
// Targets/Paths/Files/Links set, along with a PG_VERSION mismatch check.
// Data (backup label, type, etc.) must already be set by the caller.
func BuildLive(data ManifestData, opts BuildOptions) (*Manifest, error) {
	pgVersionOnDisk, err := readPgVersion(opts.PgDataPath)
	if err != nil {
		return nil, err
	}
	if opts.PgVersion != "" && pgVersionOnDisk != opts.PgVersion {
		return nil, &PgVersionMismatchError{Expected: opts.PgVersion, Found: pgVersionOnDisk}
	}

	m := New(data)
	m.Targets["pg_data"] = Target{Name: "pg_data", Kind: TargetPgData, Path: opts.PgDataPath}

	if err := walkTarget(m, "pg_data", opts.PgDataPath, opts, false); err != nil {
		return nil, err
	}

	for _, ts := range opts.Tablespaces {
		name := "pg_tblspc/" + ts.ID
		m.Targets[name] = Target{
			Name:           name,
			Kind:           TargetTablespace,
			Path:           ts.Path,
			TablespaceID:   ts.ID,
			TablespaceName: ts.Name,
		}
		m.Links[name] = LinkInfo{Destination: ts.Path}
		if err := walkTarget(m, name, ts.Path, opts, true); err != nil {
			return nil, err
		}
	}

	computeDefaults(m)
	return m, nil
}

func readPgVersion(pgData string) (string, error) {
	b, err := os.ReadFile(filepath.Join(pgData, "PG_VERSION"))
	if err != nil {
		return "", fmt.Errorf("manifest: read PG_VERSION: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// walkTarget recursively records Path/File/Link entries under root,
// writing manifest names as "<targetName>/<relative-path>".
func walkTarget(m *Manifest, targetName, root string, opts BuildOptions, isTablespace bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		name := targetName + "/" + rel

		if !isTablespace && excluded(rel, d, opts) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("manifest: stat %s: %w", p, err)
		}

		uid, gid := ownerOf(info)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			dest, rerr := os.Readlink(p)
			if rerr != nil {
				return fmt.Errorf("manifest: readlink %s: %w", p, rerr)
			}
			m.Links[name] = LinkInfo{Destination: dest, User: &uid, Group: &gid}

		case d.IsDir():
			mode := uint32(info.Mode().Perm())
			m.Paths[name] = PathInfo{Mode: &mode, User: &uid, Group: &gid}

		case info.Mode().IsRegular():
			mode := uint32(info.Mode().Perm())
			fi := FileInfo{
				Name:      name,
				Size:      info.Size(),
				Timestamp: info.ModTime(),
				Mode:      &mode,
				User:      &uid,
				Group:     &gid,
			}
			if candidateForPageChecksum(name, rel, info.Size(), opts.PageSize) {
				enabled := opts.PageSize > 0
				fi.ChecksumPage = &enabled
			}
			m.Files[name] = fi
		}
		return nil
	})
}

func excluded(rel string, d fs.DirEntry, opts BuildOptions) bool {
	base := filepath.Base(rel)
	top := strings.SplitN(rel, "/", 2)[0]

	if skipDirs[top] && rel != top {
		return true
	}
	if skipFiles[base] && (!strings.Contains(rel, "/") || base == "pg_internal.init") {
		return true
	}
	if isTempRelationFile(base) {
		return true
	}
	if top == "pg_wal" && rel != top && !opts.ArchiveCopy {
		return true
	}
	return false
}

// isTempRelationFile matches backend temp relation files, named tNNN_*
// where NNN is the owning backend id.
func isTempRelationFile(base string) bool {
	if !strings.HasPrefix(base, "t") {
		return false
	}
	rest := base[1:]
	us := strings.IndexByte(rest, '_')
	if us <= 0 {
		return false
	}
	_, err := strconv.Atoi(rest[:us])
	return err == nil
}

// candidateForPageChecksum flags regular relation files under base/ (or a
// tablespace) whose size is a nonzero multiple of the page size, excluding
// known non-relation fork suffixes.
func candidateForPageChecksum(name, rel string, size int64, pageSize uint32) bool {
	if pageSize == 0 || size == 0 || size%int64(pageSize) != 0 {
		return false
	}
	if !strings.HasPrefix(rel, "base/") && !strings.Contains(name, "pg_tblspc/") {
		return false
	}
	base := filepath.Base(rel)
	for _, suf := range nonRelationForkSuffixes {
		if strings.HasSuffix(base, suf) {
			return false
		}
	}
	return true
}

func ownerOf(info fs.FileInfo) (uid, gid string) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return strconv.FormatUint(uint64(st.Uid), 10), strconv.FormatUint(uint64(st.Gid), 10)
	}
	return "", ""
}

// computeDefaults sets Defaults to the modal mode/user/group per kind and
// strips matching per-entry overrides, per spec §4.E step 5.
func computeDefaults(m *Manifest) {
	fileMode, fileUser, fileGroup := modeFor(fileEntries(m))
	pathMode, pathUser, pathGroup := modeForPaths(m)
	linkUser, linkGroup := modeForLinks(m)

	m.Defaults.File = FileInfo{Mode: fileMode, User: fileUser, Group: fileGroup}
	m.Defaults.Path = PathInfo{Mode: pathMode, User: pathUser, Group: pathGroup}
	m.Defaults.Link = LinkInfo{User: linkUser, Group: linkGroup}

	for k, f := range m.Files {
		if eq(f.Mode, fileMode) {
			f.Mode = nil
		}
		if eqStr(f.User, fileUser) {
			f.User = nil
		}
		if eqStr(f.Group, fileGroup) {
			f.Group = nil
		}
		m.Files[k] = f
	}
	for k, p := range m.Paths {
		if eq(p.Mode, pathMode) {
			p.Mode = nil
		}
		if eqStr(p.User, pathUser) {
			p.User = nil
		}
		if eqStr(p.Group, pathGroup) {
			p.Group = nil
		}
		m.Paths[k] = p
	}
	for k, l := range m.Links {
		if eqStr(l.User, linkUser) {
			l.User = nil
		}
		if eqStr(l.Group, linkGroup) {
			l.Group = nil
		}
		m.Links[k] = l
	}
}

func fileEntries(m *Manifest) []FileInfo {
	out := make([]FileInfo, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, f)
	}
	return out
}

func modeFor(files []FileInfo) (mode *uint32, user, group *string) {
	modeCounts := map[uint32]int{}
	userCounts := map[string]int{}
	groupCounts := map[string]int{}
	for _, f := range files {
		if f.Mode != nil {
			modeCounts[*f.Mode]++
		}
		if f.User != nil {
			userCounts[*f.User]++
		}
		if f.Group != nil {
			groupCounts[*f.Group]++
		}
	}
	m := modalUint32(modeCounts)
	u := modalString(userCounts)
	g := modalString(groupCounts)
	return m, u, g
}

func modeForPaths(m *Manifest) (mode *uint32, user, group *string) {
	modeCounts := map[uint32]int{}
	userCounts := map[string]int{}
	groupCounts := map[string]int{}
	for _, p := range m.Paths {
		if p.Mode != nil {
			modeCounts[*p.Mode]++
		}
		if p.User != nil {
			userCounts[*p.User]++
		}
		if p.Group != nil {
			groupCounts[*p.Group]++
		}
	}
	return modalUint32(modeCounts), modalString(userCounts), modalString(groupCounts)
}

func modeForLinks(m *Manifest) (user, group *string) {
	userCounts := map[string]int{}
	groupCounts := map[string]int{}
	for _, l := range m.Links {
		if l.User != nil {
			userCounts[*l.User]++
		}
		if l.Group != nil {
			groupCounts[*l.Group]++
		}
	}
	return modalString(userCounts), modalString(groupCounts)
}

func modalUint32(counts map[uint32]int) *uint32 {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]uint32, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	best := keys[0]
	for _, k := range keys {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return &best
}

func modalString(counts map[string]int) *string {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return &best
}

func eq(a, b *uint32) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// PgVersionMismatchError is raised when the live cluster's PG_VERSION
// doesn't match the stanza's configured version.
type PgVersionMismatchError struct {
	Expected, Found string
}

func (e *PgVersionMismatchError) Error() string {
	return fmt.Sprintf("manifest: PG_VERSION mismatch: stanza expects %s, found %s", e.Expected, e.Found)
}
