package momo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidPayload   = errors.New("invalid momo notification payload")
	ErrInvalidSignature = errors.New("invalid momo signature")
)

// Notification is the IPN body MoMo posts to ipnUrl.
type Notification struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`

	// Fields is every top-level field as MoMo sent it, stringified for signing.
	Fields map[string]string `json:"-"`
}

// ParseNotification decodes an IPN body, keeping the raw field values so the
// signature can be recomputed over exactly what was sent.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: orderId is empty", ErrInvalidPayload)
	}

	raw := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	n.Fields = make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			n.Fields[k] = val
		case json.Number:
			n.Fields[k] = val.String()
		case bool:
			n.Fields[k] = strconv.FormatBool(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidPayload, k, err)
			}
			n.Fields[k] = string(b)
		}
	}
	return &n, nil
}

// Verify checks the notification signature against secretKey.
func (n *Notification) Verify(secretKey string) error {
	if secretKey == "" || n.Signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(BuildCallbackSignatureBase(n.Fields), secretKey)
	if !VerifySignature(expected, n.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignNotification signs callback fields the way MoMo does. Used by tests and local tooling to
// fake gateway callbacks.
func SignNotification(fields map[string]string, secretKey string) string {
	return Sign(BuildCallbackSignatureBase(fields), secretKey)
}
