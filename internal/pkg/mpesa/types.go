package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProcessingErrorCode is returned by the status query while the payer has not
// yet answered the prompt.
const ProcessingErrorCode = "500.001.1001"

// Code is a provider result/response code. The provider sends these both as
// JSON numbers and as strings depending on the endpoint.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("code must be a string or number: %w", err)
	}
	*c = Code(n.String())
	return nil
}

func (c Code) String() string { return string(c) }

// Seconds accepts expires_in as "3599" or 3599.
type Seconds time.Duration

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var c Code
	if err := c.UnmarshalJSON(b); err != nil {
		return err
	}
	if c == "" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in %q: %w", c, err)
	}
	*s = Seconds(time.Duration(n) * time.Second)
	return nil
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   Seconds `json:"expires_in"`
}

// PushRequest is what callers hand to Client.STKPush.
type PushRequest struct {
	Amount           int64
	Phone            string
	CallbackURL      string
	AccountReference string
	Description      string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Redacted returns the push body without the password, for audit logs.
func (b stkPushBody) Redacted() map[string]any {
	return map[string]any{
		"BusinessShortCode": b.BusinessShortCode,
		"Timestamp":         b.Timestamp,
		"TransactionType":   b.TransactionType,
		"Amount":            b.Amount,
		"PartyA":            b.PartyA,
		"PartyB":            b.PartyB,
		"PhoneNumber":       b.PhoneNumber,
		"CallBackURL":       b.CallBackURL,
		"AccountReference":  b.AccountReference,
		"TransactionDesc":   b.TransactionDesc,
	}
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	// Request is the redacted body that was sent.
	Request map[string]any `json:"-"`
}

func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// APIError is the provider's error envelope, returned on non-2xx responses.
type APIError struct {
	HTTPStatus int    `json:"-"`
	RequestID  string `json:"requestId"`
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error (http %d): %s %s", e.HTTPStatus, e.Code, e.Message)
}

// StillProcessing reports whether the provider has no final result yet.
func (e *APIError) StillProcessing() bool {
	return e.Code == ProcessingErrorCode
}
