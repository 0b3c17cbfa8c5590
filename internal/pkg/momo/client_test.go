package momo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		PartnerCode: "MOMO",
		AccessKey:   "access",
		SecretKey:   "secret",
		RedirectURL: "http://localhost:3000/payment/result",
		IPNURL:      "http://localhost:8080/api/v1/payment/callback",
		Timeout:     time.Second,
	}
}

func TestCreateSignatureBaseOrder(t *testing.T) {
	base := BuildCreateSignatureBase("ak", 5000, "", "http://ipn", "MOMO1", "Purchase 5 credits", "MOMO", "http://r", "MOMO1", RequestTypeCaptureWallet)
	assert.Equal(t,
		"accessKey=ak&amount=5000&extraData=&ipnUrl=http://ipn&orderId=MOMO1&orderInfo=Purchase 5 credits&partnerCode=MOMO&redirectUrl=http://r&requestId=MOMO1&requestType=captureWallet",
		base)
}

func TestCreatePayment(t *testing.T) {
	var got createRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(CreateResponse{OrderID: got.OrderID, Amount: got.Amount, ResultCode: 0, PayURL: "https://pay.example/" + got.OrderID})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.CreatePayment(context.Background(), "MOMO123", 3000, "Purchase 3 credits")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/MOMO123", resp.PayURL)

	base := BuildCreateSignatureBase("access", 3000, "", c.config.IPNURL, "MOMO123", "Purchase 3 credits", "MOMO", c.config.RedirectURL, "MOMO123", RequestTypeCaptureWallet)
	assert.Equal(t, Sign(base, "secret"), got.Signature)
	assert.Equal(t, RequestTypeCaptureWallet, got.RequestType)
	assert.True(t, got.AutoCapture)
}

func TestCreatePaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CreateResponse{ResultCode: 11, Message: "access denied"})
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).CreatePayment(context.Background(), "MOMO1", 1000, "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 11, apiErr.ResultCode)
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		expected := Sign(BuildQuerySignatureBase("access", req.OrderID, "MOMO", req.RequestID), "secret")
		if req.Signature != expected {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(QueryResponse{OrderID: req.OrderID, ResultCode: ResultPendingConfirm, Amount: 2000})
	}))
	defer srv.Close()

	resp, err := NewClient(testConfig(srv.URL)).QueryStatus(context.Background(), "MOMO9")
	require.NoError(t, err)
	assert.Equal(t, ResultPendingConfirm, resp.ResultCode)
	assert.Equal(t, int64(2000), resp.Amount)
}

func TestQueryStatusTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).QueryStatus(context.Background(), "MOMO9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = NewClient(Config{}).QueryStatus(context.Background(), "MOMO9")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewOrderID(t *testing.T) {
	c := NewClient(testConfig("http://unused"))
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	a, b := c.NewOrderID(), c.NewOrderID()
	assert.True(t, strings.HasPrefix(a, "MOMO1700000000000"))
	assert.Len(t, a, len("MOMO1700000000000")+6)
	assert.NotEqual(t, a, b)
}

func TestNotificationVerify(t *testing.T) {
	fields := map[string]string{
		"partnerCode":  "MOMO",
		"orderId":      "MOMO1",
		"requestId":    "MOMO1",
		"amount":       "5000",
		"orderInfo":    "Purchase 5 credits",
		"orderType":    "momo_wallet",
		"transId":      "4088878653",
		"resultCode":   "0",
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1721720663942",
		"extraData":    "",
	}
	sig := SignNotification(fields, "secret")

	body := `{"partnerCode":"MOMO","orderId":"MOMO1","requestId":"MOMO1","amount":5000,` +
		`"orderInfo":"Purchase 5 credits","orderType":"momo_wallet","transId":4088878653,"resultCode":0,` +
		`"message":"Successful.","payType":"qr","responseTime":1721720663942,"extraData":"","signature":"` + sig + `"}`

	n, err := ParseNotification([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n.Amount)
	assert.Equal(t, ResultSuccess, n.ResultCode)
	require.NoError(t, n.Verify("secret"))
	assert.ErrorIs(t, n.Verify("other"), ErrInvalidSignature)

	tampered := strings.Replace(body, `"amount":5000`, `"amount":50000`, 1)
	n, err = ParseNotification([]byte(tampered))
	require.NoError(t, err)
	assert.ErrorIs(t, n.Verify("secret"), ErrInvalidSignature)
}

func TestParseNotificationRejectsGarbage(t *testing.T) {
	_, err := ParseNotification([]byte(`{"amount":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseNotification([]byte(`{"amount":1}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
