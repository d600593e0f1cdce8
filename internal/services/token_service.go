package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sentepay/backend/internal/audit"
	"github.com/sentepay/backend/internal/models"
)

const creditQueueKey = "token_credit_events"

// TokenService owns token balance mutation and transaction state
// transitions. It is the only component that writes the status column or
// credits a balance; the webhook and reconciliation paths both funnel
// through CompletePurchase / FailPurchase.
type TokenService struct {
	db        *sql.DB
	redis     *redis.Client
	quota     *QuotaService
	audit     *audit.AuditLogger
	validator *ValidationHelper
}

func NewTokenService(db *sql.DB, redisClient *redis.Client, quota *QuotaService) *TokenService {
	return &TokenService{
		db:        db,
		redis:     redisClient,
		quota:     quota,
		audit:     audit.NewAuditLogger(),
		validator: NewValidationHelper(),
	}
}

// PurchaseRequest is the payload for initiating a token purchase.
// @Description Token purchase request structure
type PurchaseRequest struct {
	Tokens    int    `json:"tokens" validate:"required,gt=0" example:"50"`
	AmountUGX int64  `json:"amountUgx" validate:"required,gt=0" example:"25000"`
	Msisdn    string `json:"msisdn" validate:"required,msisdn" example:"+256772123456"`
}

// InitiatePurchase creates a PENDING transaction and returns its UID. The
// UID doubles as the idempotency key for every later completion attempt.
func (ts *TokenService) InitiatePurchase(ctx context.Context, userID, tokens int, amountUGX int64, msisdn string) (string, error) {
	if tokens <= 0 || amountUGX <= 0 {
		return "", ErrInvalidAmount
	}

	transactionUID := uuid.NewString()
	now := time.Now()

	_, err := ts.db.ExecContext(ctx, `
        INSERT INTO token_transactions
        (transaction_uid, user_id, tokens_purchased, amount_ugx, msisdn, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
    `, transactionUID, userID, tokens, amountUGX, msisdn, models.StatusPending, now)

	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	log.Printf("[TOKEN] Purchase initiated: %s user=%d tokens=%d amount=%d UGX", transactionUID, userID, tokens, amountUGX)
	return transactionUID, nil
}

// CompletePurchase is the single crediting entry point. It transitions the
// transaction to COMPLETED and credits the balance in one database
// transaction; the status guard in the UPDATE makes concurrent and
// duplicate calls a no-op for every caller except the first to win.
// Returns true only when this call performed the transition.
func (ts *TokenService) CompletePurchase(ctx context.Context, transactionUID string) (bool, error) {
	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID, tokens int
	var amountUGX int64
	err = tx.QueryRowContext(ctx, `
        UPDATE token_transactions
        SET status = $1, updated_at = NOW()
        WHERE transaction_uid = $2 AND status = $3
        RETURNING user_id, tokens_purchased, amount_ugx
    `, models.StatusCompleted, transactionUID, models.StatusPending).Scan(&userID, &tokens, &amountUGX)

	if err == sql.ErrNoRows {
		// Either the row does not exist or it is already resolved.
		var status string
		err = tx.QueryRowContext(ctx, `
            SELECT status FROM token_transactions WHERE transaction_uid = $1
        `, transactionUID).Scan(&status)
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("failed to read transaction: %w", err)
		}
		log.Printf("[TOKEN] Complete is a no-op for %s, status already %s", transactionUID, status)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO token_balances (user_id, balance, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (user_id)
        DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance, updated_at = NOW()
    `, userID, tokens)
	if err != nil {
		return false, fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit credit: %w", err)
	}

	ts.audit.LogCredit(transactionUID, userID, tokens, amountUGX)
	log.Printf("[TOKEN] Credited %d tokens to user %d for %s", tokens, userID, transactionUID)

	// Queue a notification after commit, best effort (teacher-style).
	ts.queueCreditEvent(transactionUID, userID, tokens)

	return true, nil
}

// FailPurchase transitions a pending transaction to FAILED. Returns false
// without error when the transaction is already terminal.
func (ts *TokenService) FailPurchase(ctx context.Context, transactionUID, reason string) (bool, error) {
	result, err := ts.db.ExecContext(ctx, `
        UPDATE token_transactions
        SET status = $1, failure_reason = $2, updated_at = NOW()
        WHERE transaction_uid = $3 AND status = $4
    `, models.StatusFailed, reason, transactionUID, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		err := ts.db.QueryRowContext(ctx, `
            SELECT EXISTS(SELECT 1 FROM token_transactions WHERE transaction_uid = $1)
        `, transactionUID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to read transaction: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	ts.audit.LogTransition(transactionUID, models.StatusPending, models.StatusFailed, reason)
	log.Printf("[TOKEN] Transaction %s marked failed: %s", transactionUID, reason)
	return true, nil
}

// Balance returns the user's current token balance; users with no balance
// row have zero tokens.
func (ts *TokenService) Balance(ctx context.Context, userID int) (int, error) {
	var balance int
	err := ts.db.QueryRowContext(ctx, `
        SELECT balance FROM token_balances WHERE user_id = $1
    `, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// GetPurchase fetches one transaction by UID.
func (ts *TokenService) GetPurchase(ctx context.Context, transactionUID string) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := ts.db.QueryRowContext(ctx, `
        SELECT id, transaction_uid, user_id, tokens_purchased, amount_ugx,
               COALESCE(msisdn, '') as msisdn, status, COALESCE(failure_reason, '') as failure_reason,
               created_at, updated_at
        FROM token_transactions
        WHERE transaction_uid = $1
    `, transactionUID).Scan(
		&t.ID, &t.TransactionUID, &t.UserID, &t.TokensPurchased, &t.AmountUGX,
		&t.Msisdn, &t.Status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return t, nil
}

// RecentPurchases lists a user's transactions, newest first.
func (ts *TokenService) RecentPurchases(ctx context.Context, userID, limit int) ([]models.Transaction, error) {
	rows, err := ts.db.QueryContext(ctx, `
        SELECT id, transaction_uid, user_id, tokens_purchased, amount_ugx,
               COALESCE(msisdn, '') as msisdn, status, COALESCE(failure_reason, '') as failure_reason,
               created_at, updated_at
        FROM token_transactions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		err := rows.Scan(
			&t.ID, &t.TransactionUID, &t.UserID, &t.TokensPurchased, &t.AmountUGX,
			&t.Msisdn, &t.Status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (ts *TokenService) queueCreditEvent(transactionUID string, userID, tokens int) {
	if ts.redis == nil {
		return
	}
	data, err := json.Marshal(map[string]any{
		"transaction_uid": transactionUID,
		"user_id":         userID,
		"tokens":          tokens,
	})
	if err != nil {
		return
	}
	if err := ts.redis.RPush(context.Background(), creditQueueKey, data).Err(); err != nil {
		log.Printf("[TOKEN] Failed to queue credit event for %s: %v", transactionUID, err)
	}
}

// HTTP handlers

// HandleInitiatePurchase creates a new pending token purchase
// @Summary Initiate a token purchase
// @Description Create a pending token purchase paid via mobile money collections
// @Tags tokens
// @Accept json
// @Produce json
// @Param request body PurchaseRequest true "Purchase request"
// @Success 201 {object} object{transactionUid=string,status=string}
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /tokens/purchase [post]
func (ts *TokenService) HandleInitiatePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PurchaseRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	allowed, err := ts.quota.CheckAndReserve(r.Context(), userID, req.Tokens)
	if err != nil {
		log.Printf("[TOKEN] Quota check failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to check quota", http.StatusInternalServerError, nil)
		return
	}
	if !allowed {
		SendErrorResponse(w, "Monthly quota exceeded", http.StatusTooManyRequests, nil)
		return
	}

	transactionUID, err := ts.InitiatePurchase(r.Context(), userID, req.Tokens, req.AmountUGX, req.Msisdn)
	if err == ErrInvalidAmount {
		SendErrorResponse(w, "Tokens and amount must be positive", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		log.Printf("[TOKEN] Failed to initiate purchase for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to initiate purchase", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"transactionUid": transactionUID,
		"status":         models.StatusPending,
	})
}

// HandleCompletePurchase manually completes a purchase
// @Summary Complete a purchase
// @Description Operator-triggered completion for test/fix flows; idempotent
// @Tags tokens
// @Produce json
// @Param uid path string true "Transaction UID"
// @Success 200 {object} object{credited=bool,transactionUid=string}
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /tokens/purchase/{uid}/complete [post]
func (ts *TokenService) HandleCompletePurchase(w http.ResponseWriter, r *http.Request) {
	transactionUID := chi.URLParam(r, "uid")

	credited, err := ts.CompletePurchase(r.Context(), transactionUID)
	if err == ErrNotFound {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TOKEN] Manual completion failed for %s: %v", transactionUID, err)
		SendErrorResponse(w, "Failed to complete purchase", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"credited":       credited,
		"transactionUid": transactionUID,
	})
}

// HandleFailPurchase manually fails a purchase
// @Summary Fail a purchase
// @Description Operator-triggered failure marking; no-op if already terminal
// @Tags tokens
// @Produce json
// @Param uid path string true "Transaction UID"
// @Success 200 {object} object{failed=bool,transactionUid=string}
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /tokens/purchase/{uid}/fail [post]
func (ts *TokenService) HandleFailPurchase(w http.ResponseWriter, r *http.Request) {
	transactionUID := chi.URLParam(r, "uid")

	failed, err := ts.FailPurchase(r.Context(), transactionUID, "manually failed by operator")
	if err == ErrNotFound {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TOKEN] Manual failure marking failed for %s: %v", transactionUID, err)
		SendErrorResponse(w, "Failed to update purchase", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"failed":         failed,
		"transactionUid": transactionUID,
	})
}

// HandleGetBalance returns the caller's token balance
// @Summary Get token balance
// @Tags tokens
// @Produce json
// @Success 200 {object} object{userId=int,balance=int}
// @Failure 500 {object} ErrorResponse
// @Router /tokens/balance [get]
func (ts *TokenService) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := ts.Balance(r.Context(), userID)
	if err != nil {
		log.Printf("[TOKEN] Failed to read balance for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"userId":  userID,
		"balance": balance,
	})
}

// HandleGetPurchase fetches one purchase by UID
// @Summary Get purchase by UID
// @Tags tokens
// @Produce json
// @Param uid path string true "Transaction UID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /tokens/purchases/{uid} [get]
func (ts *TokenService) HandleGetPurchase(w http.ResponseWriter, r *http.Request) {
	transactionUID := chi.URLParam(r, "uid")

	t, err := ts.GetPurchase(r.Context(), transactionUID)
	if err == ErrNotFound {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// HandleListPurchases lists the caller's recent purchases
// @Summary List recent purchases
// @Tags tokens
// @Produce json
// @Param limit query int false "Number of purchases to return (default: 20, max: 100)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /tokens/purchases [get]
func (ts *TokenService) HandleListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := ts.RecentPurchases(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[TOKEN] Failed to list purchases for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch purchases", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func userIDFromContext(r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	userID, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return userID, true
}
