package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/sentepay/backend/internal/clients"
	"github.com/sentepay/backend/internal/config"
	"github.com/sentepay/backend/internal/models"
)

// ReconciliationService periodically reconciles pending purchases against
// the provider's Collections API, the pull-side counterpart of the webhook
// path. Both paths race to resolve the same transactions; the idempotent
// transition in TokenService makes the loser's attempt a no-op.
type ReconciliationService struct {
	db          *sql.DB
	tokens      *TokenService
	webhooks    *WebhookService
	collections clients.CollectionsAPI
	cfg         *config.ReconciliationConfig
}

func NewReconciliationService(db *sql.DB, tokens *TokenService, webhooks *WebhookService, collections clients.CollectionsAPI, cfg *config.ReconciliationConfig) *ReconciliationService {
	return &ReconciliationService{
		db:          db,
		tokens:      tokens,
		webhooks:    webhooks,
		collections: collections,
		cfg:         cfg,
	}
}

// Start drives cycles on a fixed interval until ctx is cancelled. Cycles
// are strictly serialized: the same goroutine runs every cycle, so a slow
// cycle delays the next instead of overlapping it.
func (rs *ReconciliationService) Start(ctx context.Context) {
	log.Printf("[RECONCILE] Scheduler started, interval %s, lookback %s", rs.cfg.Interval, rs.cfg.Lookback)

	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILE] Scheduler stopped")
			return
		case <-ticker.C:
			report, err := rs.RunCycle(ctx)
			if err != nil {
				log.Printf("[RECONCILE] Cycle aborted: %v", err)
				continue
			}
			log.Printf("[RECONCILE] Cycle done: checked=%d credited=%d still_pending=%d failed=%d replayed=%d errors=%d",
				report.Checked, report.Credited, report.StillPending, report.Failed, report.Replayed, len(report.Errors))
		}
	}
}

// RunCycle replays stuck webhook events, then reconciles every pending
// transaction inside the lookback window against the Collections API.
// Individual lookup or storage errors are collected into the report and
// never abort the cycle.
func (rs *ReconciliationService) RunCycle(ctx context.Context) (*models.ReconciliationReport, error) {
	report := &models.ReconciliationReport{}

	// Webhook deliveries that failed mid-apply stay processed = false;
	// re-applying them here is the retry trigger they would otherwise lack.
	replayed, err := rs.webhooks.ReplayUnprocessed(ctx, rs.cfg.Interval)
	if err != nil {
		log.Printf("[RECONCILE] Webhook replay failed: %v", err)
		report.Errors = append(report.Errors, fmt.Sprintf("webhook replay: %v", err))
	}
	report.Replayed = replayed

	uids, err := rs.loadPending(ctx)
	if err != nil {
		return nil, err
	}

	for _, uid := range uids {
		// Cancellation boundary: anything not yet reconciled stays
		// pending for the next cycle.
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		report.Checked++
		rs.reconcileOne(ctx, uid, report)
	}

	return report, nil
}

func (rs *ReconciliationService) loadPending(ctx context.Context) ([]string, error) {
	rows, err := rs.db.QueryContext(ctx, `
        SELECT transaction_uid
        FROM token_transactions
        WHERE status = $1 AND created_at > NOW() - $2::interval
        ORDER BY created_at
    `, models.StatusPending, fmt.Sprintf("%d seconds", int(rs.cfg.Lookback.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transactions: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan transaction uid: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

func (rs *ReconciliationService) reconcileOne(ctx context.Context, uid string, report *models.ReconciliationReport) {
	result, err := rs.collections.Lookup(ctx, uid)
	if err != nil {
		// Lookup failure is never a crediting decision.
		log.Printf("[RECONCILE] Lookup failed for %s: %v", uid, err)
		report.StillPending++
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", uid, err))
		return
	}

	if !result.Found {
		report.StillPending++
		return
	}

	switch {
	case isSuccessStatus(result.Status):
		credited, err := rs.tokens.CompletePurchase(ctx, uid)
		if err != nil {
			log.Printf("[RECONCILE] Credit failed for %s: %v", uid, err)
			report.StillPending++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", uid, err))
			return
		}
		if credited {
			report.Credited++
		} else {
			// Lost the race to the webhook path; already resolved.
			report.StillPending++
		}
	case isFailureStatus(result.Status):
		failed, err := rs.tokens.FailPurchase(ctx, uid, "provider reported "+result.Status)
		if err != nil {
			log.Printf("[RECONCILE] Failure marking failed for %s: %v", uid, err)
			report.StillPending++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", uid, err))
			return
		}
		if failed {
			report.Failed++
		} else {
			report.StillPending++
		}
	default:
		// Provider still processing the collection.
		report.StillPending++
	}
}
