package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCallback is returned for callback bodies that do not carry a
// well-formed stkCallback.
var ErrInvalidCallback = errors.New("invalid callback payload")

// STKPushResponse is the synchronous response to an STK push request
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// QueryResponse is the response to an STK push status query. Daraja returns
// ResultCode as a string here, unlike the callback where it is a number.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Success reports whether the queried charge completed successfully
func (q *QueryResponse) Success() bool {
	return q.ResultCode == "0"
}

// CallbackEnvelope is the outer shape of the Daraja callback body
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback carries the outcome of one STK push
type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata holds the name/value items attached to successful callbacks
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is one callback metadata entry. Values are numbers or strings
// depending on the item, so they are kept raw until asked for.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Success reports whether the callback carries a successful outcome
func (c *StkCallback) Success() bool {
	return c.ResultCode == 0
}

// ReceiptNumber extracts the MpesaReceiptNumber metadata item, if present
func (c *StkCallback) ReceiptNumber() string {
	if c.CallbackMetadata == nil {
		return ""
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				return receipt
			}
		}
	}
	return ""
}

// ParseCallback validates and decodes a raw callback body. Malformed bodies
// are rejected with ErrInvalidCallback instead of propagating zero values.
func ParseCallback(data []byte) (*StkCallback, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}

	cb := envelope.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrInvalidCallback)
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrInvalidCallback)
	}

	return cb, nil
}
