package momo

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const RequestTypeCaptureWallet = "captureWallet"

// BuildCreateSignatureBase is the raw string MoMo signs for /create. Field
// order is fixed by the gateway.
func BuildCreateSignatureBase(accessKey string, amount int64, extraData, ipnURL, orderID, orderInfo, partnerCode, redirectURL, requestID, requestType string) string {
	return "accessKey=" + accessKey +
		"&amount=" + fmt.Sprintf("%d", amount) +
		"&extraData=" + extraData +
		"&ipnUrl=" + ipnURL +
		"&orderId=" + orderID +
		"&orderInfo=" + orderInfo +
		"&partnerCode=" + partnerCode +
		"&redirectUrl=" + redirectURL +
		"&requestId=" + requestID +
		"&requestType=" + requestType
}

// BuildQuerySignatureBase is the raw string MoMo signs for /query.
func BuildQuerySignatureBase(accessKey, orderID, partnerCode, requestID string) string {
	return "accessKey=" + accessKey +
		"&orderId=" + orderID +
		"&partnerCode=" + partnerCode +
		"&requestId=" + requestID
}

// BuildCallbackSignatureBase joins the non-empty callback fields in key
// order, leaving out the signature itself.
func BuildCallbackSignatureBase(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "signature" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	return strings.Join(pairs, "&")
}

// Sign returns the lowercase hex HMAC-SHA256 of base.
func Sign(base, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(expectedHex, receivedHex string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	received := strings.ToLower(strings.TrimSpace(receivedHex))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}
