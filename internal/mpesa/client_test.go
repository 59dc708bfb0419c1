package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	require.Equal(t, "254712345678", NormalizePhone("0712345678"))
	require.Equal(t, "254712345678", NormalizePhone("+254712345678"))
	require.Equal(t, "254712345678", NormalizePhone("254712345678"))
}

func TestTimestampFormat(t *testing.T) {
	ts := timestamp(time.Date(2024, 3, 7, 9, 5, 2, 0, time.UTC))
	require.Equal(t, "20240307090502", ts)
}

func TestPassword(t *testing.T) {
	c := New("http://example.com", "key", "secret", "174379", "passkey", "http://cb")
	got := c.password("20240307090502")
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20240307090502")), got)
}

func newGateway(t *testing.T, pushHandler, queryHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Authorization"), "Basic ")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
	})
	if pushHandler != nil {
		mux.HandleFunc(pushPath, pushHandler)
	}
	if queryHandler != nil {
		mux.HandleFunc(queryPath, queryHandler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSTKPush(t *testing.T) {
	var gotBody map[string]any
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "m1",
			CheckoutRequestID: "ws_CO_1",
			ResponseCode:      "0",
		})
	}, nil)

	c := New(srv.URL, "key", "secret", "174379", "passkey", "http://cb/api/payments/callback")
	resp, err := c.STKPush(context.Background(), "0712345678", 20, "WIFI-abc12345")
	require.NoError(t, err)
	require.Equal(t, "ws_CO_1", resp.CheckoutRequestID)

	require.Equal(t, "254712345678", gotBody["PhoneNumber"])
	require.Equal(t, "254712345678", gotBody["PartyA"])
	require.Equal(t, "174379", gotBody["BusinessShortCode"])
	require.Equal(t, "WIFI-abc12345", gotBody["AccountReference"])
	require.Equal(t, "http://cb/api/payments/callback", gotBody["CallBackURL"])
	require.Equal(t, float64(20), gotBody["Amount"])
	require.NotEmpty(t, gotBody["Password"])
}

func TestSTKPushMissingCheckoutID(t *testing.T) {
	srv := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ResponseCode": "1"})
	}, nil)

	c := New(srv.URL, "key", "secret", "174379", "passkey", "http://cb")
	_, err := c.STKPush(context.Background(), "0712345678", 20, "ref")
	require.ErrorIs(t, err, ErrPush)
}

func TestSTKPushAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, "bad", "creds", "174379", "passkey", "http://cb")
	_, err := c.STKPush(context.Background(), "0712345678", 20, "ref")
	require.ErrorIs(t, err, ErrAuth)
}

func TestQueryStatus(t *testing.T) {
	srv := newGateway(t, nil, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "ws_CO_1", body["CheckoutRequestID"])
		json.NewEncoder(w).Encode(QueryResponse{
			ResponseCode: "0",
			ResultCode:   "0",
			ResultDesc:   "The service request is processed successfully.",
		})
	})

	c := New(srv.URL, "key", "secret", "174379", "passkey", "http://cb")
	resp, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	require.True(t, resp.Success())
}

func TestQueryStatusTransient(t *testing.T) {
	srv := newGateway(t, nil, func(w http.ResponseWriter, r *http.Request) {
		// Daraja answers like this while the push is still being processed
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})
	})

	c := New(srv.URL, "key", "secret", "174379", "passkey", "http://cb")
	_, err := c.QueryStatus(context.Background(), "ws_CO_1")
	require.ErrorIs(t, err, ErrQuery)
}

func TestParseCallback(t *testing.T) {
	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "m1",
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 20.0},
						{"Name": "MpesaReceiptNumber", "Value": "RCP123"},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	cb, err := ParseCallback(body)
	require.NoError(t, err)
	require.Equal(t, "ws_CO_1", cb.CheckoutRequestID)
	require.True(t, cb.Success())
	require.Equal(t, "RCP123", cb.ReceiptNumber())
}

func TestParseCallbackFailure(t *testing.T) {
	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	cb, err := ParseCallback(body)
	require.NoError(t, err)
	require.False(t, cb.Success())
	require.Empty(t, cb.ReceiptNumber())
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"Body":{}}`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
	}
	for _, c := range cases {
		_, err := ParseCallback([]byte(c))
		require.ErrorIs(t, err, ErrInvalidCallback, "payload: %s", c)
	}
}
