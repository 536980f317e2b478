package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadloader/internal/lead"
	"github.com/sells-group/leadloader/internal/resilience"
)

func testRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
		JitterFraction: 0,
	}
}

func testLead(dmid, phone string) *lead.ParsedLead {
	return &lead.ParsedLead{
		DMID:        dmid,
		FullName:    "Pat Doe",
		FirstName:   "Pat",
		LastName:    "Doe",
		Street:      "12 Main St",
		Phone1:      phone,
		Flag:        4,
		MapImageURL: "0",
	}
}

func TestPhoneExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM phonequeue WHERE phone1`).
		WithArgs("5551234567").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	s := NewPostgresWithPool(mock, testRetry(1))
	exists, err := s.PhoneExists(context.Background(), "5551234567")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddressExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM address WHERE "DMID"`).
		WithArgs("A100").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	s := NewPostgresWithPool(mock, testRetry(1))
	exists, err := s.AddressExists(context.Background(), "A100")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func campaignRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "campaignName", "vertical", "textingActive", "flag", "emoji", "created_at"})
}

func TestLookupOrCreateCampaign_Found(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Now()
	flag := int64(7)
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM campaigns WHERE "campaignName"`).
		WithArgs("Spring Sellers", 1, flag).
		WillReturnRows(campaignRows().AddRow(int64(3), "Spring Sellers", 1, true, flag, "🌱", created))
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(1))
	c, err := s.LookupOrCreateCampaign(context.Background(), lead.CampaignMeta{
		Name: "Spring Sellers", Vertical: 1, TextingActive: true, Flag: &flag,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.ID)
	assert.Equal(t, flag, c.Flag)
	assert.Equal(t, "🌱", c.Emoji)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupOrCreateCampaign_CreatesWithNextFlag(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM campaigns WHERE "campaignName"`).
		WithArgs("Expired FSBO", 1).
		WillReturnRows(campaignRows())
	mock.ExpectQuery(`MAX\(flag\)`).
		WillReturnRows(pgxmock.NewRows([]string{"flag"}).AddRow(int64(12)))
	mock.ExpectQuery(`ORDER BY random`).
		WillReturnRows(pgxmock.NewRows([]string{"e"}).AddRow("🏠"))
	mock.ExpectQuery(`INSERT INTO campaigns`).
		WithArgs("Expired FSBO", 1, false, int64(12), "🏠").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(9), created))
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(1))
	c, err := s.LookupOrCreateCampaign(context.Background(), lead.CampaignMeta{Name: "Expired FSBO", Vertical: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.ID)
	assert.Equal(t, int64(12), c.Flag)
	assert.Equal(t, "🏠", c.Emoji)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupOrCreateCampaign_RegistersEmojiToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	flag := int64(2)
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FROM campaigns WHERE "campaignName"`).
		WithArgs("Absentee", 2, flag).
		WillReturnRows(campaignRows())
	mock.ExpectExec(`INSERT INTO emoji`).
		WithArgs("🔥").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`INSERT INTO campaigns`).
		WithArgs("Absentee", 2, true, flag, "🔥").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(4), time.Now()))
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(1))
	c, err := s.LookupOrCreateCampaign(context.Background(), lead.CampaignMeta{
		Name: "Absentee", Vertical: 2, TextingActive: true, Flag: &flag, Emoji: "🔥",
	})
	require.NoError(t, err)
	assert.Equal(t, "🔥", c.Emoji)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadBatch_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgresWithPool(mock, testRetry(1))
	res, err := s.InsertLeadBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Empty(t, res.SkippedDMIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadBatch_AllInserted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	leads := []*lead.ParsedLead{
		testLead("A1", "5551234567"),
		testLead("A2", "5559876543"),
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO address`).
		WithArgs(addressInsertArgs(leads)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "DMID"}).
			AddRow(int64(10), "A1").
			AddRow(int64(11), "A2"))
	mock.ExpectCopyFrom(pgx.Identifier{"phonequeue"}, phoneQueueColumns).WillReturnResult(2)
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(1))
	res, err := s.InsertLeadBatch(context.Background(), leads)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Empty(t, res.SkippedDMIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadBatch_ConflictExcludedRemainderCommits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// A2 loses the DMID race: no RETURNING row, no phonequeue entry, and
	// the batch still commits with A1 and A3.
	leads := []*lead.ParsedLead{
		testLead("A1", "5551110001"),
		testLead("A2", "5551110002"),
		testLead("A3", "5551110003"),
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO address`).
		WithArgs(addressInsertArgs(leads)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "DMID"}).
			AddRow(int64(20), "A1").
			AddRow(int64(21), "A3"))
	mock.ExpectCopyFrom(pgx.Identifier{"phonequeue"}, phoneQueueColumns).WillReturnResult(2)
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(1))
	res, err := s.InsertLeadBatch(context.Background(), leads)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, []string{"A2"}, res.SkippedDMIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadBatch_RetriesTransientFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	leads := []*lead.ParsedLead{testLead("A1", "5550001111")}
	mock.ExpectBegin().WillReturnError(&pgconn.PgError{Code: "40001", Message: "serialization failure"})
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO address`).
		WithArgs(addressInsertArgs(leads)...).
		WillReturnRows(pgxmock.NewRows([]string{"id", "DMID"}).AddRow(int64(30), "A1"))
	mock.ExpectCopyFrom(pgx.Identifier{"phonequeue"}, phoneQueueColumns).WillReturnResult(1)
	mock.ExpectCommit()

	s := NewPostgresWithPool(mock, testRetry(3))
	res, err := s.InsertLeadBatch(context.Background(), leads)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddressInsertSQL(t *testing.T) {
	sql := addressInsertSQL(2)
	assert.Contains(t, sql, "INSERT INTO address")
	assert.Contains(t, sql, `ON CONFLICT ("DMID") DO NOTHING RETURNING id, "DMID"`)
	assert.Contains(t, sql, "$1")
	assert.Contains(t, sql, "$36")
	assert.NotContains(t, sql, "$37")
}
