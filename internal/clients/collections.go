package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sentepay/backend/internal/config"
)

// ErrLookupFailed marks a Collections API lookup that could not be
// completed (network error, timeout, non-2xx response). Callers treat it
// as "still pending", never as a crediting decision.
var ErrLookupFailed = errors.New("collections lookup failed")

// LookupResult is the outcome of one Collections API status query.
type LookupResult struct {
	Found  bool
	Status string
	Raw    map[string]any
}

// CollectionsAPI is the lookup interface consumed by the reconciliation
// and webhook services.
type CollectionsAPI interface {
	Lookup(ctx context.Context, transactionUID string) (*LookupResult, error)
}

// CollectionsClient queries the payment provider's Collections API for the
// status of a collection request, keyed by our transaction UID.
type CollectionsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewCollectionsClient(cfg *config.CollectionsConfig) *CollectionsClient {
	return &CollectionsClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// Lookup fetches the provider-side status of one collection request. A 404
// is reported as Found=false with no error; transport failures and other
// non-OK statuses wrap ErrLookupFailed.
func (c *CollectionsClient) Lookup(ctx context.Context, transactionUID string) (*LookupResult, error) {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, transactionUID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[COLLECTIONS] Lookup request failed for %s: %v", transactionUID, err)
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Printf("[COLLECTIONS] Transaction %s not found at provider", transactionUID)
		return &LookupResult{Found: false}, nil
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("[COLLECTIONS] Lookup returned status %d for %s", resp.StatusCode, transactionUID)
		return nil, fmt.Errorf("%w: provider returned status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[COLLECTIONS] Failed to decode lookup response for %s: %v", transactionUID, err)
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	return &LookupResult{
		Found:  true,
		Status: body.Status,
		Raw:    body.Data,
	}, nil
}
