package pgproto

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func TestNewFromQuerierRejectsRecoveryMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SHOW server_version_num").WillReturnRows(pgxmock.NewRows([]string{"server_version_num"}).AddRow("160003"))
	mock.ExpectQuery("pg_is_in_recovery").WillReturnRows(pgxmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(false))

	_, err = newFromQuerier(context.Background(), mock, true)
	var mismatch *BackupMismatchError
	if !asBackupMismatch(err, &mismatch) {
		t.Fatalf("expected BackupMismatchError, got %v", err)
	}
	if mismatch.Want != "standby" || mismatch.Have != "primary" {
		t.Fatalf("unexpected mismatch fields: %+v", mismatch)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func asBackupMismatch(err error, out **BackupMismatchError) bool {
	m, ok := err.(*BackupMismatchError)
	if ok {
		*out = m
	}
	return ok
}

func TestBackupStartNonExclusive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("pg_start_backup").WithArgs("stanza label", true).
		WillReturnRows(pgxmock.NewRows([]string{"lsn"}).AddRow("0/16B1F90"))
	mock.ExpectQuery("pg_walfile_name_offset").WithArgs("0/16B1F90").
		WillReturnRows(pgxmock.NewRows([]string{"file_name"}).AddRow("000000010000000000000016"))

	c := NewForTest(mock, 160003)
	res, err := c.BackupStart(context.Background(), "stanza label", true)
	if err != nil {
		t.Fatalf("BackupStart: %v", err)
	}
	if res.LsnStart != "0/16B1F90" || res.WalSegmentStart != "000000010000000000000016" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplayWaitTimesOut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("pg_last_wal_replay_lsn").WithArgs("0/16B1F90").
		WillReturnRows(pgxmock.NewRows([]string{"reached"}).AddRow(false))

	c := NewForTest(mock, 160003)
	err = c.ReplayWait(context.Background(), "0/16B1F90", 0)

	var timeout *ArchiveTimeoutError
	if !asArchiveTimeout(err, &timeout) {
		t.Fatalf("expected ArchiveTimeoutError, got %v", err)
	}
}

func asArchiveTimeout(err error, out **ArchiveTimeoutError) bool {
	a, ok := err.(*ArchiveTimeoutError)
	if ok {
		*out = a
	}
	return ok
}
