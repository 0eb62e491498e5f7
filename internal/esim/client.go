// Package esim talks to the provisioning API: package listing, order
// submission and allocation queries.
package esim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/Fi44er/esim_bot/utils"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// priceDivisor converts provider prices to display units: the API carries
// amounts scaled by 10000.
var priceDivisor = decimal.New(1, 4)

type Package struct {
	PackageCode string `json:"packageCode"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Volume      int64  `json:"volume"`
	Price       int64  `json:"price"`
}

// PriceUSD returns the package price in display units.
func (p Package) PriceUSD() decimal.Decimal {
	return decimal.NewFromInt(p.Price).Div(priceDivisor)
}

type Client struct {
	baseURL    string
	accessCode string
	client     *http.Client
	logger     *utils.Logger
}

func NewClient(baseURL, accessCode string, logger *utils.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 15 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessCode: accessCode,
		client:     rc.StandardClient(),
		logger:     logger,
	}
}

// apiResponse is the provider's common envelope.
type apiResponse struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Obj       json.RawMessage `json:"obj"`
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("RT-AccessCode", c.accessCode)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("invalid provider response: %w", err)
	}

	return &api, nil
}

// Packages fetches the purchasable package list.
func (c *Client) Packages(ctx context.Context) ([]Package, error) {
	api, err := c.post(ctx, "/api/v1/open/package/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if !api.Success {
		return nil, fmt.Errorf("package list failed: %s (%s)", api.ErrorMsg, api.ErrorCode)
	}

	var obj struct {
		PackageList []Package `json:"packageList"`
	}
	if err := json.Unmarshal(api.Obj, &obj); err != nil {
		return nil, fmt.Errorf("invalid package list payload: %w", err)
	}

	return obj.PackageList, nil
}

// SubmitOrder places a provisioning order. The memo doubles as the
// provider-side transaction id, the amount is scaled by the provider's
// price divisor. A success=false response maps to ErrProviderRejected.
func (c *Client) SubmitOrder(ctx context.Context, memo, packageCode string, amount decimal.Decimal) (string, error) {
	body := map[string]interface{}{
		"transactionId": memo,
		"amount":        amount.Mul(priceDivisor).IntPart(),
		"packageInfoList": []map[string]interface{}{
			{"packageCode": packageCode, "count": 1},
		},
	}

	api, err := c.post(ctx, "/api/v1/open/esim/order", body)
	if err != nil {
		return "", err
	}
	if !api.Success {
		c.logger.Warnf("Provider rejected order %s: %s (%s)", memo, api.ErrorMsg, api.ErrorCode)
		return "", fmt.Errorf("%w: %s (%s)", models.ErrProviderRejected, api.ErrorMsg, api.ErrorCode)
	}

	var obj struct {
		OrderNo string `json:"orderNo"`
	}
	if err := json.Unmarshal(api.Obj, &obj); err != nil {
		return "", fmt.Errorf("invalid order payload: %w", err)
	}
	if obj.OrderNo == "" {
		return "", fmt.Errorf("%w: empty order number", models.ErrProviderRejected)
	}

	return obj.OrderNo, nil
}

// QueryProfiles fetches the profiles allocated for a provider order. An
// empty list means the provider has not finished allocating yet and is not
// an error.
func (c *Client) QueryProfiles(ctx context.Context, orderNo string) ([]models.ESIMProfile, error) {
	body := map[string]interface{}{
		"orderNo": orderNo,
		"pager":   map[string]int{"pageNum": 1, "pageSize": 20},
	}

	api, err := c.post(ctx, "/api/v1/open/esim/query", body)
	if err != nil {
		return nil, err
	}
	if !api.Success {
		c.logger.Warnf("Allocation query for %s refused: %s (%s)", orderNo, api.ErrorMsg, api.ErrorCode)
		return nil, fmt.Errorf("allocation query failed: %s (%s)", api.ErrorMsg, api.ErrorCode)
	}

	var obj struct {
		ESIMList []struct {
			ICCID     string `json:"iccid"`
			QRCodeURL string `json:"qrCodeUrl"`
			AC        string `json:"ac"`
		} `json:"esimList"`
	}
	if err := json.Unmarshal(api.Obj, &obj); err != nil {
		return nil, fmt.Errorf("invalid allocation payload: %w", err)
	}

	profiles := make([]models.ESIMProfile, 0, len(obj.ESIMList))
	for _, e := range obj.ESIMList {
		profiles = append(profiles, models.ESIMProfile{
			ICCID:          e.ICCID,
			QRCodeURL:      e.QRCodeURL,
			ActivationCode: e.AC,
		})
	}

	return profiles, nil
}
