package services

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sentepay/backend/internal/clients"
	"github.com/sentepay/backend/internal/config"
	"github.com/stretchr/testify/assert"
)

// stubCollections serves canned lookup results per transaction UID.
type stubCollections struct {
	results  map[string]*clients.LookupResult
	errs     map[string]error
	onLookup func(uid string)
}

func (s *stubCollections) Lookup(ctx context.Context, transactionUID string) (*clients.LookupResult, error) {
	if s.onLookup != nil {
		s.onLookup(transactionUID)
	}
	if err, ok := s.errs[transactionUID]; ok {
		return nil, err
	}
	if result, ok := s.results[transactionUID]; ok {
		return result, nil
	}
	return &clients.LookupResult{Found: false}, nil
}

func newReconciliationService(db *sql.DB, collections clients.CollectionsAPI) *ReconciliationService {
	tokens := newTokenService(db)
	webhooks := NewWebhookService(db, tokens)
	cfg := &config.ReconciliationConfig{Interval: 5 * time.Minute, Lookback: 7 * 24 * time.Hour}
	return NewReconciliationService(db, tokens, webhooks, collections, cfg)
}

func expectEmptyReplay(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT id, transaction_uid, external_status FROM payment_webhook_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_uid", "external_status"}))
}

func expectPendingScan(mock sqlmock.Sqlmock, uids ...string) {
	rows := sqlmock.NewRows([]string{"transaction_uid"})
	for _, uid := range uids {
		rows.AddRow(uid)
	}
	mock.ExpectQuery("SELECT transaction_uid FROM token_transactions WHERE status = \\$1").
		WillReturnRows(rows)
}

func TestReconciliationService_RunCycle(t *testing.T) {
	t.Run("partial failure isolation", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		// Lookups for 2 of 5 transactions fail; the other 3 still resolve.
		stub := &stubCollections{
			results: map[string]*clients.LookupResult{
				"u1": {Found: true, Status: "SUCCESSFUL"},
				"u3": {Found: true, Status: "SUCCESSFUL"},
				"u5": {Found: true, Status: "SUCCESSFUL"},
			},
			errs: map[string]error{
				"u2": fmt.Errorf("%w: timeout", clients.ErrLookupFailed),
				"u4": fmt.Errorf("%w: timeout", clients.ErrLookupFailed),
			},
		}
		service := newReconciliationService(db, stub)

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1", "u2", "u3", "u4", "u5")
		expectCredit(mock, "u1")
		expectCredit(mock, "u3")
		expectCredit(mock, "u5")

		report, err := service.RunCycle(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 5, report.Checked)
		assert.Equal(t, 3, report.Credited)
		assert.Equal(t, 2, report.StillPending)
		assert.Equal(t, 0, report.Failed)
		assert.Len(t, report.Errors, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race counts as still pending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		stub := &stubCollections{
			results: map[string]*clients.LookupResult{
				"u1": {Found: true, Status: "SUCCESS"},
			},
		}
		service := newReconciliationService(db, stub)

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1")
		// The webhook path already completed this transaction.
		expectAlreadyResolved(mock, "u1")

		report, err := service.RunCycle(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Checked)
		assert.Equal(t, 0, report.Credited)
		assert.Equal(t, 1, report.StillPending)
		assert.Empty(t, report.Errors)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal provider failure fails transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		stub := &stubCollections{
			results: map[string]*clients.LookupResult{
				"u1": {Found: true, Status: "CANCELLED"},
			},
		}
		service := newReconciliationService(db, stub)

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1")
		mock.ExpectExec("UPDATE token_transactions SET status = \\$1, failure_reason = \\$2").
			WithArgs("FAILED", "provider reported CANCELLED", "u1", "PENDING").
			WillReturnResult(sqlmock.NewResult(0, 1))

		report, err := service.RunCycle(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 0, report.StillPending)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found at provider stays pending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := newReconciliationService(db, &stubCollections{})

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1")

		report, err := service.RunCycle(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.StillPending)
		assert.Empty(t, report.Errors)
	})

	t.Run("non-terminal provider status stays pending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		stub := &stubCollections{
			results: map[string]*clients.LookupResult{
				"u1": {Found: true, Status: "PROCESSING"},
			},
		}
		service := newReconciliationService(db, stub)

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1")

		report, err := service.RunCycle(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.StillPending)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancellation stops at transaction boundary", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		ctx, cancel := context.WithCancel(context.Background())
		stub := &stubCollections{
			errs: map[string]error{"u1": fmt.Errorf("%w: interrupted", clients.ErrLookupFailed)},
			onLookup: func(uid string) {
				cancel()
			},
		}
		service := newReconciliationService(db, stub)

		expectEmptyReplay(mock)
		expectPendingScan(mock, "u1", "u2", "u3")

		report, err := service.RunCycle(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		// Remaining transactions stay pending for the next cycle.
		assert.Equal(t, 1, report.Checked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconciliationService_ReplayBeforeScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newReconciliationService(db, &stubCollections{})
	transactionUID := "9f3b0c1a-7a36-4a1e-9f0e-2e3c8d14c5b2"

	// A stuck webhook event is applied before the pending scan runs, so
	// the scan no longer sees the transaction.
	mock.ExpectQuery("SELECT id, transaction_uid, external_status FROM payment_webhook_events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_uid", "external_status"}).
			AddRow(9, transactionUID, "SUCCESSFUL"))
	expectCredit(mock, transactionUID)
	mock.ExpectExec("UPDATE payment_webhook_events SET processed = true").
		WithArgs(9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectPendingScan(mock)

	report, err := service.RunCycle(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 0, report.Checked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
