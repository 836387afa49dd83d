package mpesa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCallback_Success(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"M1","CheckoutRequestID":"C1","ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":50.00},
			{"Name":"MpesaReceiptNumber","Value":"ABC123"},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20240305140709},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`)

	eat := time.FixedZone("EAT", 3*60*60)
	cb, err := DecodeCallback(raw, eat)
	require.NoError(t, err)

	assert.True(t, cb.Succeeded())
	assert.Equal(t, "M1", cb.MerchantRequestID)
	assert.Equal(t, "C1", cb.CheckoutRequestID)
	require.NotNil(t, cb.Metadata.Amount)
	assert.Equal(t, "50.00", cb.Metadata.Amount.StringFixed(2))
	assert.Equal(t, "ABC123", cb.Metadata.ReceiptNumber)
	assert.Equal(t, "254712345678", cb.Metadata.PhoneNumber)
	assert.Nil(t, cb.Metadata.Balance)

	require.NotNil(t, cb.Metadata.TransactionDate)
	assert.True(t, cb.Metadata.TransactionDate.Equal(time.Date(2024, 3, 5, 11, 7, 9, 0, time.UTC)))
	assert.Empty(t, cb.Metadata.Invalid)
}

func TestDecodeCallback_StringValues(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"M1","CheckoutRequestID":"C1","ResultCode":"0","ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"50.00"},{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"Extra","Value":"x"}]}}}}`)

	cb, err := DecodeCallback(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "0", cb.ResultCode)
	assert.Equal(t, "50", cb.Metadata.Amount.String())
	assert.Equal(t, "ABC123", cb.Metadata.ReceiptNumber)
	assert.Equal(t, []string{"Extra"}, cb.Metadata.Unrecognized)
}

func TestDecodeCallback_Cancelled(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"M1","CheckoutRequestID":"C1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	cb, err := DecodeCallback(raw, nil)
	require.NoError(t, err)
	assert.False(t, cb.Succeeded())
	assert.Equal(t, "1032", cb.ResultCode)
	assert.Equal(t, "Request cancelled by user", cb.ResultDesc)
	assert.Nil(t, cb.Metadata.Amount)
}

func TestDecodeCallback_InvalidValues(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"C1","ResultCode":0,
		"CallbackMetadata":{"Item":[{"Name":"Amount","Value":"lots"},{"Name":"TransactionDate","Value":"yesterday"}]}}}}`)

	cb, err := DecodeCallback(raw, nil)
	require.NoError(t, err)
	assert.Nil(t, cb.Metadata.Amount)
	assert.Nil(t, cb.Metadata.TransactionDate)
	assert.ElementsMatch(t, []string{"Amount", "TransactionDate"}, cb.Metadata.Invalid)
}

func TestDecodeCallback_Errors(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"not json":        {raw: `not json`, want: ErrInvalidJSON},
		"no body":         {raw: `{}`, want: ErrMissingEnvelope},
		"no stk callback": {raw: `{"Body":{}}`, want: ErrMissingEnvelope},
		"no result code":  {raw: `{"Body":{"stkCallback":{"CheckoutRequestID":"C1"}}}`, want: ErrMissingResult},
		"bad items":       {raw: `{"Body":{"stkCallback":{"ResultCode":0,"CallbackMetadata":{"Item":"oops"}}}}`, want: ErrUnexpectedItems},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCallback([]byte(tc.raw), nil)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
