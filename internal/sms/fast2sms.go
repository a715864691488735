package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const DefaultFast2SMSEndpoint = "https://www.fast2sms.com/dev/bulkV2"

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Fast2SMS sends codes through the Fast2SMS OTP route.
type Fast2SMS struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewFast2SMS(apiKey, endpoint string, timeout time.Duration) *Fast2SMS {
	if endpoint == "" {
		endpoint = DefaultFast2SMSEndpoint
	}
	return &Fast2SMS{
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// normalizeNumber strips the +91 country prefix and any non-digit.
func normalizeNumber(phone string) string {
	return nonDigits.ReplaceAllString(strings.Replace(phone, "+91", "", 1), "")
}

func (f *Fast2SMS) SendCode(ctx context.Context, phone, code string) error {
	q := url.Values{}
	q.Set("route", "otp")
	q.Set("variables_values", code)
	q.Set("flash", "0")
	q.Set("numbers", normalizeNumber(phone))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("authorization", f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var out struct {
		Return  bool            `json:"return"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrDeliveryFailed, err)
	}
	if !out.Return {
		return fmt.Errorf("%w: provider rejected: %s", ErrDeliveryFailed, out.Message)
	}
	return nil
}
