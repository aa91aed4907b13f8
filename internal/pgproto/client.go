// Package pgproto wraps the backup-mode protocol calls the orchestrator
// issues against a live PostgreSQL server: backup start/stop, catalog
// listings, and standby replay waiting (spec §4.F). Non-exclusive backup
// mode is tied to the issuing backend, so a Client owns a single
// connection for its whole lifetime rather than a pool.
package pgproto

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Client wraps one PostgreSQL backend connection for the duration of a
// backup.
type Client struct {
	conn    Querier
	raw     *pgx.Conn // nil when conn is a test double; used only by Close
	version int       // server_version_num
}

// Querier is the minimal surface pgproto needs, so callers (including
// tests) can substitute pgxmock for *pgx.Conn.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open connects to connString and verifies the server's recovery state
// matches expectStandby, per spec §4.F.
func Open(ctx context.Context, connString string, expectStandby bool) (*Client, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgproto: connect: %w", err)
	}

	c, verr := newFromQuerier(ctx, conn, expectStandby)
	if verr != nil {
		_ = conn.Close(ctx)
		return nil, verr
	}
	c.raw = conn
	return c, nil
}

// NewForTest wraps an already-open Querier (a pgxmock pool, in tests)
// without dialing or verifying recovery state, so unit tests can drive
// BackupStart/BackupStop/etc. directly against mocked expectations.
func NewForTest(q Querier, version int) *Client {
	return &Client{conn: q, version: version}
}

// newFromQuerier runs the same version/recovery-state verification Open
// does, against any Querier — shared so both the real connect path and
// NewForTest-style helpers could exercise it if they need validation.
func newFromQuerier(ctx context.Context, q Querier, expectStandby bool) (*Client, error) {
	c := &Client{conn: q}

	var verStr string
	if err := q.QueryRow(ctx, "SHOW server_version_num").Scan(&verStr); err != nil {
		return nil, fmt.Errorf("pgproto: query server_version_num: %w", err)
	}
	if _, err := fmt.Sscanf(verStr, "%d", &c.version); err != nil {
		return nil, fmt.Errorf("pgproto: parse server_version_num %q: %w", verStr, err)
	}

	var inRecovery bool
	if err := q.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return nil, fmt.Errorf("pgproto: query pg_is_in_recovery: %w", err)
	}
	if inRecovery != expectStandby {
		return nil, &BackupMismatchError{
			Want: recoveryLabel(expectStandby),
			Have: recoveryLabel(inRecovery),
		}
	}

	return c, nil
}

func recoveryLabel(standby bool) string {
	if standby {
		return "standby"
	}
	return "primary"
}

// Close releases the underlying connection. A no-op for clients built
// with NewForTest, which don't own a real connection.
func (c *Client) Close(ctx context.Context) error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close(ctx)
}

// Version returns the server's server_version_num (e.g. 130004).
func (c *Client) Version() int { return c.version }

// Time returns the server's current epoch-ms, used to synchronize client
// and server clocks for resume decisions.
func (c *Client) Time(ctx context.Context) (int64, error) {
	var ms int64
	err := c.conn.QueryRow(ctx, `SELECT (extract(epoch from clock_timestamp()) * 1000)::bigint`).Scan(&ms)
	if err != nil {
		return 0, fmt.Errorf("pgproto: query server time: %w", err)
	}
	return ms, nil
}

// BackupMismatchError is raised when the connected server's recovery
// state doesn't match what the stanza configuration expected.
type BackupMismatchError struct {
	Want, Have string
}

func (e *BackupMismatchError) Error() string {
	return fmt.Sprintf("pgproto: expected a %s connection, got a %s", e.Want, e.Have)
}

// nonExclusiveMinVersion is the server_version_num at which pg_start_backup
// gained its non-exclusive (third, `exclusive bool`) argument (9.6).
const nonExclusiveMinVersion = 90600

// BackupStartResult is the outcome of BackupStart.
type BackupStartResult struct {
	LsnStart        string
	WalSegmentStart string
}

// BackupStart issues pg_start_backup per spec §4.F: the non-exclusive form
// for servers >= 9.6, the exclusive form (guarded by a stuck-backup check)
// for earlier ones.
func (c *Client) BackupStart(ctx context.Context, label string, fast bool) (BackupStartResult, error) {
	if c.version >= nonExclusiveMinVersion {
		var lsn string
		err := c.conn.QueryRow(ctx, `SELECT lsn::text FROM pg_start_backup($1, $2, false) lsn`, label, fast).Scan(&lsn)
		if err != nil {
			return BackupStartResult{}, fmt.Errorf("pgproto: pg_start_backup: %w", err)
		}
		var walFile string
		if err := c.conn.QueryRow(ctx, `SELECT (pg_walfile_name_offset($1)).file_name`, lsn).Scan(&walFile); err != nil {
			return BackupStartResult{}, fmt.Errorf("pgproto: pg_walfile_name_offset: %w", err)
		}
		return BackupStartResult{LsnStart: lsn, WalSegmentStart: walFile}, nil
	}

	var stuck bool
	if err := c.conn.QueryRow(ctx, `SELECT pg_is_in_backup()`).Scan(&stuck); err != nil {
		return BackupStartResult{}, fmt.Errorf("pgproto: pg_is_in_backup: %w", err)
	}
	if stuck {
		return BackupStartResult{}, fmt.Errorf("pgproto: exclusive backup already in progress (pg_is_in_backup=true)")
	}

	var lsn string
	if err := c.conn.QueryRow(ctx, `SELECT pg_start_backup($1, $2)::text`, label, fast).Scan(&lsn); err != nil {
		return BackupStartResult{}, fmt.Errorf("pgproto: pg_start_backup (exclusive): %w", err)
	}
	var walFile string
	if err := c.conn.QueryRow(ctx, `SELECT (pg_xlogfile_name_offset($1)).file_name`, lsn).Scan(&walFile); err != nil {
		return BackupStartResult{}, fmt.Errorf("pgproto: pg_xlogfile_name_offset: %w", err)
	}
	return BackupStartResult{LsnStart: lsn, WalSegmentStart: walFile}, nil
}

// BackupStopResult is the outcome of BackupStop. BackupLabel is the
// contents the orchestrator must write to pg_data/backup_label (present
// only for the non-exclusive path; exclusive mode writes it itself).
type BackupStopResult struct {
	LsnStop       string
	WalSegmentStop string
	BackupLabel   string
	TablespaceMap string
}

// BackupStop issues pg_stop_backup per spec §4.F.
func (c *Client) BackupStop(ctx context.Context) (BackupStopResult, error) {
	if c.version >= nonExclusiveMinVersion {
		var lsn, label, tsMap string
		err := c.conn.QueryRow(ctx, `SELECT lsn::text, labelfile, spcmapfile FROM pg_stop_backup(false, true)`).Scan(&lsn, &label, &tsMap)
		if err != nil {
			return BackupStopResult{}, fmt.Errorf("pgproto: pg_stop_backup: %w", err)
		}
		var walFile string
		if err := c.conn.QueryRow(ctx, `SELECT (pg_walfile_name_offset($1)).file_name`, lsn).Scan(&walFile); err != nil {
			return BackupStopResult{}, fmt.Errorf("pgproto: pg_walfile_name_offset: %w", err)
		}
		return BackupStopResult{LsnStop: lsn, WalSegmentStop: walFile, BackupLabel: label, TablespaceMap: tsMap}, nil
	}

	var walFile, fileOffset, lsn string
	err := c.conn.QueryRow(ctx, `SELECT (pg_xlogfile_name_offset(lsn)).file_name, lpad((pg_xlogfile_name_offset(lsn)).file_offset::text, 8, '0'), lsn::text FROM pg_stop_backup() lsn`).
		Scan(&walFile, &fileOffset, &lsn)
	if err != nil {
		return BackupStopResult{}, fmt.Errorf("pgproto: pg_stop_backup (exclusive): %w", err)
	}
	return BackupStopResult{LsnStop: lsn, WalSegmentStop: walFile}, nil
}

// DatabaseInfo is one row of DatabaseList.
type DatabaseInfo struct {
	OID          uint32
	Name         string
	TablespaceID uint32
}

// DatabaseList queries pg_database for every connectable database, per
// spec §4.F.
func (c *Client) DatabaseList(ctx context.Context) ([]DatabaseInfo, error) {
	rows, err := c.conn.Query(ctx, `SELECT oid, datname, dattablespace FROM pg_database WHERE datallowconn`)
	if err != nil {
		return nil, fmt.Errorf("pgproto: query pg_database: %w", err)
	}
	defer rows.Close()

	var out []DatabaseInfo
	for rows.Next() {
		var d DatabaseInfo
		if err := rows.Scan(&d.OID, &d.Name, &d.TablespaceID); err != nil {
			return nil, fmt.Errorf("pgproto: scan pg_database row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TablespaceInfo is one row of TablespaceList.
type TablespaceInfo struct {
	OID      uint32
	Name     string
	Location string
}

// TablespaceList queries pg_tablespace for every non-default, non-global
// tablespace and its on-disk location, per spec §4.F.
func (c *Client) TablespaceList(ctx context.Context) ([]TablespaceInfo, error) {
	const q = `SELECT oid, spcname, pg_tablespace_location(oid)
               FROM pg_tablespace
               WHERE spcname NOT IN ('pg_default', 'pg_global')`
	rows, err := c.conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pgproto: query pg_tablespace: %w", err)
	}
	defer rows.Close()

	var out []TablespaceInfo
	for rows.Next() {
		var t TablespaceInfo
		if err := rows.Scan(&t.OID, &t.Name, &t.Location); err != nil {
			return nil, fmt.Errorf("pgproto: scan pg_tablespace row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveTimeoutError is raised when ReplayWait or the orchestrator's
// archive-check polling exceeds its deadline, per spec §7.
type ArchiveTimeoutError struct {
	What    string
	Timeout time.Duration
}

func (e *ArchiveTimeoutError) Error() string {
	return fmt.Sprintf("pgproto: timed out after %s waiting for %s", e.Timeout, e.What)
}

// ReplayWait polls pg_last_xlog_replay_location (or its pg10+ rename,
// pg_last_wal_replay_lsn) on a standby until it reaches targetLSN or
// timeout expires, per spec §4.F.
func (c *Client) ReplayWait(ctx context.Context, targetLSN string, timeout time.Duration) error {
	fn := "pg_last_wal_replay_lsn"
	if c.version < 100000 {
		fn = "pg_last_xlog_replay_location"
	}
	query := fmt.Sprintf(`SELECT %s() >= $1::pg_lsn`, fn)

	deadline := time.Now().Add(timeout)
	for {
		var reached bool
		if err := c.conn.QueryRow(ctx, query, targetLSN).Scan(&reached); err != nil {
			return fmt.Errorf("pgproto: query %s: %w", fn, err)
		}
		if reached {
			return nil
		}
		if time.Now().After(deadline) {
			return &ArchiveTimeoutError{What: fmt.Sprintf("replay to reach %s", targetLSN), Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
