package backup

import (
	"time"

	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/manifest"
)

// Config is the subset of spec §6's environment/config surface the core
// orchestrator reads. The CLI layer is responsible for populating it from
// flags and environment variables (PGBACKUP_REPO1_CIPHER_PASS and similar
// secrets travel only through env vars, never flags, so they don't show up
// in process listings).
type Config struct {
	Stanza   string
	Repo1Path string
	PgDataPaths []string // pg1-path...pg8-path, index 0 is the primary target
	PgHosts     []string // pg1-host...

	// StandbyPgDataPath is pg2-path, the standby's PGDATA root, used only
	// when BackupStandby is set: file-copy reads prefer it over the
	// primary's tree, falling back to the primary whenever the standby's
	// copy of a file is missing or its size differs from the recorded size.
	StandbyPgDataPath string

	ProcessMax int

	Type       manifest.BackupType
	StartFast  bool
	StopAuto   bool
	ChecksumPage bool

	CompressType  filter.CompressionType
	CompressLevel int

	Repo1HardLink bool
	CipherType    string // "none" or "aes-256-cbc"
	CipherPass    string // from env, never logged

	BackupStandby bool
	Online        bool
	Force         bool
	Delta         bool
	Resume        bool

	ManifestSaveThreshold int64

	ArchiveCheck   bool
	ArchiveCopy    bool
	ArchiveTimeout time.Duration

	ConnString string // online: primary connection string
	StandbyConnString string // backup-standby: standby connection string

	ProducerVersion string

	WorkerBin  string
	WorkerArgs []string
	ShowProgress bool

	KeepRunTmp bool
}
