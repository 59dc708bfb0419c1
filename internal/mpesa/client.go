package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAuth means the OAuth token could not be obtained
	ErrAuth = errors.New("mpesa auth failed")
	// ErrPush means the STK push was rejected or never started
	ErrPush = errors.New("stk push failed")
	// ErrQuery means the status query did not produce a decision; callers
	// should treat the charge as still pending and retry later
	ErrQuery = errors.New("stk status query failed")
)

const (
	authPath  = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"
)

// Client is a Daraja API client
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string
	httpClient     *http.Client
}

// New creates a new Daraja client
func New(baseURL, consumerKey, consumerSecret, shortcode, passkey, callbackURL string) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		shortcode:      shortcode,
		passkey:        passkey,
		callbackURL:    callbackURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// accessToken fetches an OAuth token via client credentials
func (c *Client) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+authPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrAuth, err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrAuth, err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, string(data))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return "", fmt.Errorf("%w: unmarshal: %v", ErrAuth, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	return token.AccessToken, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, body any) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// timestamp formats a time the way Daraja expects (yyyymmddhhmmss)
func timestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// password derives the request password from shortcode, passkey and timestamp
func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + ts))
}

// NormalizePhone converts a subscriber number to the 2547XXXXXXXX format
func NormalizePhone(phone string) string {
	switch {
	case strings.HasPrefix(phone, "0"):
		return "254" + phone[1:]
	case strings.HasPrefix(phone, "+254"):
		return phone[1:]
	default:
		return phone
	}
}

// STKPush asks the gateway to prompt the payer for amount, tagged with
// reference. The returned CheckoutRequestID correlates the later callback or
// status query to this charge.
func (c *Client) STKPush(ctx context.Context, phone string, amount float64, reference string) (*STKPushResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := timestamp(time.Now())
	formattedPhone := NormalizePhone(phone)

	body := map[string]any{
		"BusinessShortCode": c.shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            formattedPhone,
		"PartyB":            c.shortcode,
		"PhoneNumber":       formattedPhone,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  reference,
		"TransactionDesc":   "WiFi Payment",
	}

	data, err := c.postJSON(ctx, pushPath, token, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPush, err)
	}

	var resp STKPushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrPush, err)
	}
	if resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: no CheckoutRequestID in response", ErrPush)
	}

	return &resp, nil
}

// QueryStatus asks the gateway for the outcome of a pushed charge
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	ts := timestamp(time.Now())
	body := map[string]any{
		"BusinessShortCode": c.shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	data, err := c.postJSON(ctx, queryPath, token, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	var resp QueryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrQuery, err)
	}
	if resp.ResultCode == "" {
		return nil, fmt.Errorf("%w: no ResultCode in response", ErrQuery)
	}

	return &resp, nil
}
