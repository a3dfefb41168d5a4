package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/domain"
	"github.com/ticketmint/ticket-engine/internal/reconciler"
)

// Client talks to the minting collaborator over its JSON API. Key
// derivation, signing and on-chain program logic all live on the other
// side of this boundary.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

var _ reconciler.ChainClient = (*Client)(nil)

type mintRequest struct {
	TicketID uuid.UUID                 `json:"ticket_id"`
	Metadata reconciler.TicketMetadata `json:"metadata"`
}

type mintResponse struct {
	ExternalID string `json:"external_id"`
}

func (c *Client) SubmitMint(ctx context.Context, ticketID uuid.UUID, md reconciler.TicketMetadata) (string, error) {
	var resp mintResponse
	err := c.post(ctx, "/v1/mints", mintRequest{TicketID: ticketID, Metadata: md}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ExternalID == "" {
		return "", errors.Wrap(domain.ErrExternalDependency, "mint returned empty external id")
	}
	return resp.ExternalID, nil
}

func (c *Client) SubmitTransfer(ctx context.Context, externalID, newOwnerRef string) error {
	body := map[string]string{"external_id": externalID, "new_owner": newOwnerRef}
	return c.post(ctx, "/v1/transfers", body, nil)
}

func (c *Client) SubmitBurn(ctx context.Context, externalID string) error {
	body := map[string]string{"external_id": externalID}
	return c.post(ctx, "/v1/burns", body, nil)
}

func (c *Client) GetRecord(ctx context.Context, externalID string) (reconciler.ChainRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/tokens/"+externalID, nil)
	if err != nil {
		return reconciler.ChainRecord{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return reconciler.ChainRecord{}, errors.Wrap(domain.ErrExternalDependency, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return reconciler.ChainRecord{}, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return reconciler.ChainRecord{}, errors.Wrapf(domain.ErrExternalDependency, "chain status %d", resp.StatusCode)
	}

	var rec reconciler.ChainRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return reconciler.ChainRecord{}, errors.Wrap(domain.ErrExternalDependency, err.Error())
	}
	return rec, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(domain.ErrExternalDependency, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Wrapf(domain.ErrExternalDependency, "chain status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
