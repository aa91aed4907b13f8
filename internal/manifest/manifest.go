// Package manifest models the per-backup manifest: the live-cluster
// builder, diff/incr reference classification, and the sectioned-text
// serializer/loader with a trailing checksum line (spec §4.E).
package manifest

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// BackupType is one of the three backup kinds the orchestrator can produce.
type BackupType string

const (
	TypeFull BackupType = "full"
	TypeDiff BackupType = "diff"
	TypeIncr BackupType = "incr"
)

// TargetKind distinguishes the pg_data root from a tablespace link target.
type TargetKind string

const (
	TargetPgData    TargetKind = "pg_data"
	TargetTablespace TargetKind = "tablespace"
)

// Target describes one backup-source root.
type Target struct {
	Name             string // e.g. "pg_data" or "pg_tblspc/16384"
	Kind             TargetKind
	Path             string // filesystem path this target was copied from
	TablespaceID     string `json:"tablespaceId,omitempty"`
	TablespaceName   string `json:"tablespaceName,omitempty"`
}

// PathInfo is a directory entry in the manifest.
type PathInfo struct {
	Mode  *uint32 `json:"mode,omitempty"`
	User  *string `json:"user,omitempty"`
	Group *string `json:"group,omitempty"`
}

// LinkInfo is a symlink entry in the manifest (tablespace links, "latest").
type LinkInfo struct {
	Destination string
	User        *string `json:"user,omitempty"`
	Group       *string `json:"group,omitempty"`
}

// PageRange is a bad-page index (Start==End) or an inclusive range. It
// marshals to the repository's documented heterogeneous shape: a bare
// integer for a single page, a 2-element [start,end] array for a run.
type PageRange struct {
	Start, End int
}

func (r PageRange) MarshalJSON() ([]byte, error) {
	if r.Start == r.End {
		return json.Marshal(r.Start)
	}
	return json.Marshal([2]int{r.Start, r.End})
}

func (r *PageRange) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		r.Start, r.End = n, n
		return nil
	}
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("manifest: parse page range %s: %w", data, err)
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// FileInfo is one regular file tracked by the manifest.
type FileInfo struct {
	Name                   string
	Size                   int64
	SizeRepo               int64
	Timestamp              time.Time
	Mode                   *uint32 `json:"mode,omitempty"`
	User                   *string `json:"user,omitempty"`
	Group                  *string `json:"group,omitempty"`
	Sha1                   string  `json:"sha1,omitempty"`
	ChecksumPage           *bool   `json:"checksumPage,omitempty"`
	ChecksumPageErrorList  []PageRange `json:"checksumPageErrorList,omitempty"`
	Reference              string `json:"reference,omitempty"` // prior backup label owning the bytes
	Master                bool   // this copy is the authoritative source (primary vs standby reads)
	Primary               bool   // read came from the primary connection
}

// Defaults holds, in File/Path/Link, the modal mode/user/group for each
// entry kind; per-entry fields are stored only when they differ.
type Defaults struct {
	File FileInfo
	Path PathInfo
	Link LinkInfo
}

// ManifestData carries the backup-set metadata the orchestrator records
// once per backup.
type ManifestData struct {
	BackupLabel      string
	BackupType       BackupType
	BackupLabelPrior string `json:"backupLabelPrior,omitempty"`
	PgVersion        string
	SystemID         uint64

	// ProducerVersion is this program's own version tag, stamped into every
	// manifest. Resume compares it against the partial backup's tag and
	// rejects-and-purges on mismatch (spec §4.J) since an upgraded binary
	// may have changed wire/manifest semantics mid-backup.
	ProducerVersion string `json:"producerVersion,omitempty"`
	WalStart         string `json:"walStart,omitempty"`
	WalStop          string `json:"walStop,omitempty"`
	LsnStart         string `json:"lsnStart,omitempty"`
	LsnStop          string `json:"lsnStop,omitempty"`
	TimestampStart   time.Time
	TimestampStop    time.Time `json:"timestampStop,omitempty"`

	// Options recorded so diff/incr backups can enforce inheritance
	// (spec §4.I: compress-type/hardlink/checksum-page cannot change).
	CompressType  string
	HardLink      bool
	ChecksumPage  bool
	Delta         bool
	Timeline      uint32
}

// Manifest is the full in-memory model of one backup.
type Manifest struct {
	Data     ManifestData
	Targets  map[string]Target
	Paths    map[string]PathInfo
	Files    map[string]FileInfo
	Links    map[string]LinkInfo
	Defaults Defaults
}

// New returns an empty manifest ready for buildLive to populate.
func New(data ManifestData) *Manifest {
	return &Manifest{
		Data:    data,
		Targets: map[string]Target{},
		Paths:   map[string]PathInfo{},
		Files:   map[string]FileInfo{},
		Links:   map[string]LinkInfo{},
	}
}
