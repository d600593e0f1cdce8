package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sentepay/backend/internal/config"
	"github.com/sentepay/backend/internal/models"
)

// QuotaService enforces per-user monthly purchase limits. Reservation uses
// the same guarded-update idiom as crediting so two concurrent requests
// can never jointly exceed the limit.
type QuotaService struct {
	db           *sql.DB
	defaultLimit int
}

func NewQuotaService(db *sql.DB, cfg *config.QuotaConfig) *QuotaService {
	return &QuotaService{
		db:           db,
		defaultLimit: cfg.DefaultMonthlyLimit,
	}
}

// CheckAndReserve atomically increments the current month's usage by
// amount if that keeps it within the limit, returning false otherwise.
// The current month's record is created on first access after rollover.
func (qs *QuotaService) CheckAndReserve(ctx context.Context, userID, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	period := models.QuotaPeriod(time.Now())

	_, err := qs.db.ExecContext(ctx, `
        INSERT INTO quota_records (user_id, period, quota_limit, used, updated_at)
        VALUES ($1, $2, $3, 0, NOW())
        ON CONFLICT (user_id, period) DO NOTHING
    `, userID, period, qs.defaultLimit)
	if err != nil {
		return false, fmt.Errorf("failed to ensure quota record: %w", err)
	}

	// The used + amount <= limit guard runs inside the UPDATE itself, so
	// concurrent reservations serialize on the row.
	result, err := qs.db.ExecContext(ctx, `
        UPDATE quota_records
        SET used = used + $1, updated_at = NOW()
        WHERE user_id = $2 AND period = $3 AND used + $1 <= quota_limit
    `, amount, userID, period)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}

	if rowsAffected == 0 {
		log.Printf("[QUOTA] Reservation of %d rejected for user %d in %s", amount, userID, period)
		return false, nil
	}
	return true, nil
}

// Current returns the caller's quota record for the current month,
// creating it if the month has rolled over since the last access.
func (qs *QuotaService) Current(ctx context.Context, userID int) (*models.QuotaRecord, error) {
	period := models.QuotaPeriod(time.Now())

	record := &models.QuotaRecord{}
	err := qs.db.QueryRowContext(ctx, `
        SELECT user_id, period, quota_limit, used, updated_at
        FROM quota_records
        WHERE user_id = $1 AND period = $2
    `, userID, period).Scan(&record.UserID, &record.Period, &record.Limit, &record.Used, &record.UpdatedAt)

	if err == sql.ErrNoRows {
		return &models.QuotaRecord{
			UserID: userID,
			Period: period,
			Limit:  qs.defaultLimit,
			Used:   0,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	return record, nil
}

// HandleGetQuota returns the caller's quota for the current month
// @Summary Get monthly quota
// @Tags tokens
// @Produce json
// @Success 200 {object} models.QuotaRecord
// @Failure 500 {object} ErrorResponse
// @Router /tokens/quota [get]
func (qs *QuotaService) HandleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	record, err := qs.Current(r.Context(), userID)
	if err != nil {
		log.Printf("[QUOTA] Failed to read quota for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch quota", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}
