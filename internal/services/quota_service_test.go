package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sentepay/backend/internal/config"
	"github.com/sentepay/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestQuotaService_CheckAndReserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewQuotaService(db, &config.QuotaConfig{DefaultMonthlyLimit: 100})
	period := models.QuotaPeriod(time.Now())

	t.Run("reserves within limit", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO quota_records").
			WithArgs(7, period, 100).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE quota_records SET used = used \\+ \\$1").
			WithArgs(50, 7, period).
			WillReturnResult(sqlmock.NewResult(0, 1))

		allowed, err := service.CheckAndReserve(context.Background(), 7, 50)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects beyond limit", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO quota_records").
			WithArgs(7, period, 100).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE quota_records SET used = used \\+ \\$1").
			WithArgs(80, 7, period).
			WillReturnResult(sqlmock.NewResult(0, 0))

		allowed, err := service.CheckAndReserve(context.Background(), 7, 80)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creates record on month rollover", func(t *testing.T) {
		// First access in a new month inserts a fresh row with used = 0.
		mock.ExpectExec("INSERT INTO quota_records").
			WithArgs(9, period, 100).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE quota_records SET used = used \\+ \\$1").
			WithArgs(10, 9, period).
			WillReturnResult(sqlmock.NewResult(0, 1))

		allowed, err := service.CheckAndReserve(context.Background(), 9, 10)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		allowed, err := service.CheckAndReserve(context.Background(), 7, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.False(t, allowed)
	})
}

func TestQuotaService_Current(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewQuotaService(db, &config.QuotaConfig{DefaultMonthlyLimit: 100})
	period := models.QuotaPeriod(time.Now())

	t.Run("existing record", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, period, quota_limit, used, updated_at FROM quota_records").
			WithArgs(7, period).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "period", "quota_limit", "used", "updated_at"}).
				AddRow(7, period, 100, 40, time.Now()))

		record, err := service.Current(context.Background(), 7)
		assert.NoError(t, err)
		assert.Equal(t, 40, record.Used)
		assert.Equal(t, 100, record.Limit)
	})

	t.Run("missing record defaults to zero usage", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, period, quota_limit, used, updated_at FROM quota_records").
			WithArgs(8, period).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "period", "quota_limit", "used", "updated_at"}))

		record, err := service.Current(context.Background(), 8)
		assert.NoError(t, err)
		assert.Equal(t, 0, record.Used)
		assert.Equal(t, 100, record.Limit)
		assert.Equal(t, period, record.Period)
	})
}
