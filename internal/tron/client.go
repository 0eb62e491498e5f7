// Package tron queries the Tronscan explorer for recent inbound
// transactions on the receiving address.
package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Fi44er/esim_bot/utils"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// feedLimit fixes the scanned window: payments older than the most recent
// 20 transactions are not matched automatically.
const feedLimit = 20

// usdtDivisor converts the token amount from its smallest unit (TRC20 USDT
// carries 6 decimals).
var usdtDivisor = decimal.New(1, 6)

// Transfer is one inbound transaction: the opaque note field the sender
// attached and the transferred amount in display units.
type Transfer struct {
	TxID   string
	Note   string
	Amount decimal.Decimal
}

type Client struct {
	baseURL string
	client  *http.Client
	logger  *utils.Logger
}

func NewClient(baseURL string, logger *utils.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  rc.StandardClient(),
		logger:  logger,
	}
}

// RecentTransfers fetches the most recent transactions inbound to the
// address, newest first. Entries without a token transfer or with an
// unparseable amount are skipped.
func (c *Client) RecentTransfers(ctx context.Context, address string) ([]Transfer, error) {
	url := fmt.Sprintf(
		"%s/api/transaction?sort=-timestamp&count=true&limit=%d&start=0&address=%s",
		c.baseURL, feedLimit, address,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("feed returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data []struct {
			Hash              string `json:"hash"`
			Data              string `json:"data"`
			TokenTransferInfo *struct {
				AmountStr string `json:"amount_str"`
			} `json:"tokenTransferInfo"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid feed response: %w", err)
	}

	transfers := make([]Transfer, 0, len(payload.Data))
	for _, tx := range payload.Data {
		if tx.TokenTransferInfo == nil || tx.TokenTransferInfo.AmountStr == "" {
			continue
		}

		raw, err := decimal.NewFromString(tx.TokenTransferInfo.AmountStr)
		if err != nil {
			c.logger.Warnf("Skipping transaction %s with bad amount %q: %v", tx.Hash, tx.TokenTransferInfo.AmountStr, err)
			continue
		}

		transfers = append(transfers, Transfer{
			TxID:   tx.Hash,
			Note:   tx.Data,
			Amount: raw.Div(usdtDivisor),
		})
	}

	return transfers, nil
}
