package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidJSON     = errors.New("callback body is not valid JSON")
	ErrMissingEnvelope = errors.New("callback body has no Body.stkCallback envelope")
	ErrMissingResult   = errors.New("callback has no ResultCode")
	ErrUnexpectedItems = errors.New("callback metadata items are not a list of {Name, Value}")
)

// Callback is the decoded result the provider posts to the callback URL.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Metadata          CallbackMetadata
}

func (c *Callback) Succeeded() bool {
	return c.ResultCode == "0"
}

// CallbackMetadata holds the named items of CallbackMetadata.Item. Every item
// is optional.
type CallbackMetadata struct {
	Amount          *decimal.Decimal
	ReceiptNumber   string
	TransactionDate *time.Time
	PhoneNumber     string
	Balance         *decimal.Decimal

	// Unrecognized lists item names this decoder does not know.
	Unrecognized []string
	// Invalid lists known items whose value could not be parsed.
	Invalid []string
}

type callbackEnvelope struct {
	Body *struct {
		STKCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *Code  `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item json.RawMessage `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// DecodeCallback parses a raw callback body. Dates are interpreted in loc.
func DecodeCallback(raw []byte, loc *time.Location) (*Callback, error) {
	if loc == nil {
		loc = DefaultLocation()
	}

	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return nil, ErrMissingEnvelope
	}

	stk := env.Body.STKCallback
	if stk.ResultCode == nil || *stk.ResultCode == "" {
		return nil, ErrMissingResult
	}

	cb := &Callback{
		MerchantRequestID: strings.TrimSpace(stk.MerchantRequestID),
		CheckoutRequestID: strings.TrimSpace(stk.CheckoutRequestID),
		ResultCode:        stk.ResultCode.String(),
		ResultDesc:        stk.ResultDesc,
	}

	if stk.CallbackMetadata == nil || len(stk.CallbackMetadata.Item) == 0 {
		return cb, nil
	}

	items, err := decodeItems(stk.CallbackMetadata.Item)
	if err != nil {
		return nil, err
	}
	cb.Metadata = parseMetadata(items, loc)
	return cb, nil
}

func decodeItems(raw json.RawMessage) ([]metadataItem, error) {
	raw = bytes.TrimSpace(raw)
	if string(raw) == "null" {
		return nil, nil
	}

	var items []metadataItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	// A single item is occasionally sent as an object instead of a list.
	var single metadataItem
	if err := json.Unmarshal(raw, &single); err == nil && single.Name != "" {
		return []metadataItem{single}, nil
	}
	return nil, ErrUnexpectedItems
}

func parseMetadata(items []metadataItem, loc *time.Location) CallbackMetadata {
	var md CallbackMetadata
	for _, item := range items {
		value, present := scalar(item.Value)
		switch item.Name {
		case "Amount":
			if !present {
				continue
			}
			if d, err := decimal.NewFromString(value); err == nil {
				md.Amount = &d
			} else {
				md.Invalid = append(md.Invalid, item.Name)
			}
		case "MpesaReceiptNumber":
			md.ReceiptNumber = value
		case "TransactionDate":
			if !present {
				continue
			}
			if ts, err := time.ParseInLocation(TimestampLayout, value, loc); err == nil {
				md.TransactionDate = &ts
			} else {
				md.Invalid = append(md.Invalid, item.Name)
			}
		case "PhoneNumber":
			md.PhoneNumber = value
		case "Balance":
			if !present {
				continue
			}
			if d, err := decimal.NewFromString(value); err == nil {
				md.Balance = &d
			} else {
				md.Invalid = append(md.Invalid, item.Name)
			}
		default:
			md.Unrecognized = append(md.Unrecognized, item.Name)
		}
	}
	return md
}

// scalar renders a JSON string or number as text. Objects, arrays, null and
// missing values report present=false.
func scalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	case '{', '[', 't', 'f':
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
