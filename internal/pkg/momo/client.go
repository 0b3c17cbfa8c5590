package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result codes the ledger distinguishes. Every other code is a failure.
const (
	ResultSuccess           = 0
	ResultPendingConfirm    = 9000
	ResultPendingUserAction = 1000
	ResultExpired           = 1005
)

var ErrNotConfigured = errors.New("momo client is not configured")

// Config holds MoMo API configuration
type Config struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	RedirectURL string
	IPNURL      string
	PartnerName string
	StoreID     string
	Lang        string
	Timeout     time.Duration
}

// Client talks to the MoMo v2 gateway API.
type Client struct {
	httpClient *http.Client
	config     Config
	now        func() time.Time
}

type createRequest struct {
	PartnerCode string `json:"partnerCode"`
	PartnerName string `json:"partnerName,omitempty"`
	StoreID     string `json:"storeId,omitempty"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	Lang        string `json:"lang"`
	RequestType string `json:"requestType"`
	AutoCapture bool   `json:"autoCapture"`
	ExtraData   string `json:"extraData"`
	Signature   string `json:"signature"`
}

// CreateResponse is the subset of the /create answer the ledger uses.
type CreateResponse struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayURL       string `json:"payUrl"`
	ResponseTime int64  `json:"responseTime"`
}

type queryRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

// QueryResponse is the /query answer.
type QueryResponse struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	ResponseTime int64  `json:"responseTime"`
}

// APIError is a well-formed gateway answer with a non-success result code.
type APIError struct {
	ResultCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("momo result %d: %s", e.ResultCode, e.Message)
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		now:        time.Now,
	}
}

func (c *Client) PartnerCode() string { return c.config.PartnerCode }

// NewOrderID builds partnerCode + unix millis + a short random suffix.
func (c *Client) NewOrderID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return c.config.PartnerCode + strconv.FormatInt(c.now().UnixMilli(), 10) + suffix
}

// CreatePayment registers a captureWallet order and returns the pay URL.
func (c *Client) CreatePayment(ctx context.Context, orderID string, amount int64, orderInfo string) (*CreateResponse, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("validation error: order_id must be non-empty")
	}

	requestID := orderID
	extraData := ""
	base := BuildCreateSignatureBase(c.config.AccessKey, amount, extraData, c.config.IPNURL, orderID, orderInfo,
		c.config.PartnerCode, c.config.RedirectURL, requestID, RequestTypeCaptureWallet)

	req := createRequest{
		PartnerCode: c.config.PartnerCode,
		PartnerName: c.config.PartnerName,
		StoreID:     c.config.StoreID,
		RequestID:   requestID,
		Amount:      amount,
		OrderID:     orderID,
		OrderInfo:   orderInfo,
		RedirectURL: c.config.RedirectURL,
		IPNURL:      c.config.IPNURL,
		Lang:        c.config.Lang,
		RequestType: RequestTypeCaptureWallet,
		AutoCapture: true,
		ExtraData:   extraData,
		Signature:   Sign(base, c.config.SecretKey),
	}

	var out CreateResponse
	if err := c.post(ctx, "/create", req, &out); err != nil {
		return nil, err
	}
	if out.ResultCode != ResultSuccess || out.PayURL == "" {
		return nil, &APIError{ResultCode: out.ResultCode, Message: out.Message}
	}
	return &out, nil
}

// QueryStatus asks the gateway for the current state of orderID. A non-zero
// result code is returned in the response, not as an error.
func (c *Client) QueryStatus(ctx context.Context, orderID string) (*QueryResponse, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	base := BuildQuerySignatureBase(c.config.AccessKey, orderID, c.config.PartnerCode, requestID)
	req := queryRequest{
		PartnerCode: c.config.PartnerCode,
		RequestID:   requestID,
		OrderID:     orderID,
		Lang:        c.config.Lang,
		Signature:   Sign(base, c.config.SecretKey),
	}

	var out QueryResponse
	if err := c.post(ctx, "/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) validate() error {
	if c == nil || c.httpClient == nil {
		return ErrNotConfigured
	}
	if strings.TrimSpace(c.config.Endpoint) == "" {
		return fmt.Errorf("%w: endpoint is empty", ErrNotConfigured)
	}
	if c.config.PartnerCode == "" || c.config.AccessKey == "" || c.config.SecretKey == "" {
		return fmt.Errorf("%w: partner credentials are empty", ErrNotConfigured)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode momo request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := strings.TrimRight(c.config.Endpoint, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("momo api call failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("momo api call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("momo api call failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("momo api returned non-2xx status: %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse momo response: %w", err)
	}
	return nil
}
