// internal/clients/circulation_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// renewalBlockSentinel is the renewal-count value the circulation system
// treats as "no further renewals".
const renewalBlockSentinel = 9999

// CirculationClient talks to the external circulation system that owns the
// loan records.
type CirculationClient struct {
	baseURL string
	client  *http.Client
}

// NewCirculationClient creates a client for the circulation loan API.
func NewCirculationClient(baseURL string) *CirculationClient {
	return &CirculationClient{
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

// BlockRenewals sets the renewal-count sentinel on the open loan for the item.
func (c *CirculationClient) BlockRenewals(ctx context.Context, itemID uuid.UUID) error {
	return c.setRenewalCount(ctx, itemID, renewalBlockSentinel)
}

// UnblockRenewals clears the renewal-count sentinel on the open loan for the item.
func (c *CirculationClient) UnblockRenewals(ctx context.Context, itemID uuid.UUID) error {
	return c.setRenewalCount(ctx, itemID, 0)
}

func (c *CirculationClient) setRenewalCount(ctx context.Context, itemID uuid.UUID, count int) error {
	payload := struct {
		RenewalCount int `json:"renewal_count"`
	}{RenewalCount: count}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/loans/item/%s/renewal-count", c.baseURL, itemID), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
