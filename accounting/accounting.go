// Package accounting pushes committed billing documents to an external
// accounting system. Pushes happen after commit and never affect the
// document itself; failures are reported to the caller for retry.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/warp/labor-billing/billing"
)

// ErrRejected is returned when the accounting system answers with a 4xx
// other than 408 or 429. It wraps billing.ErrSyncRejected so the engine and
// the retry scheduler park the push instead of resending it.
var ErrRejected = fmt.Errorf("accounting system rejected document: %w", billing.ErrSyncRejected)

// Webhook posts {"kind", "document_id"} to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	Kind       billing.DocumentKind `json:"kind"`
	DocumentID billing.DocumentID   `json:"document_id"`
}

// Push implements billing.AccountingSync.
func (w *Webhook) Push(ctx context.Context, kind billing.DocumentKind, id billing.DocumentID) error {
	body, err := json.Marshal(pushRequest{Kind: kind, DocumentID: id})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Lets the receiver drop duplicate deliveries from retries.
	req.Header.Set("Idempotency-Key", uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(kind)+"/"+string(id))).String())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", kind, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if rejected(resp.StatusCode) {
			return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(msg))
		}
		return fmt.Errorf("push %s %s: %s: %s", kind, id, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func rejected(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// Log records pushes without sending them anywhere. Used when no
// accounting endpoint is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Push(ctx context.Context, kind billing.DocumentKind, id billing.DocumentID) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "accounting sync skipped, no endpoint configured", "kind", kind, "document_id", id)
	return nil
}
