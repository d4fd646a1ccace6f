package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// WebhookData is the provider-neutral form every callback is normalized to
// before any reconciliation logic runs.
type WebhookData struct {
	OrderID        string
	Amount         int64
	Status         string
	TransactionID  string
	TransactionRef string
	Provider       string
	EventType      string
}

// Order references are recovered from free-text transfer descriptions:
// either our PAY-prefixed order code or a UUID the bank echoed back.
var (
	orderIDPattern = regexp.MustCompile(`(?i)PAY[A-Z0-9]{10,}`)
	uuidPattern    = regexp.MustCompile(`(?i)[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`)
)

// sepayPayload is the SePay bank-transfer callback shape.
type sepayPayload struct {
	ID             json.Number `json:"id"`
	Gateway        string      `json:"gateway"`
	TransferAmount json.Number `json:"transferAmount"`
	Amount         json.Number `json:"amount"`
	Description    string      `json:"description"`
	Content        string      `json:"content"`
	ReferenceCode  string      `json:"referenceCode"`
	Code           string      `json:"code"`
}

// genericPayload covers VietQR-style gateways with explicit order fields.
type genericPayload struct {
	OrderID        string      `json:"orderId"`
	OrderIDSnake   string      `json:"order_id"`
	OrderCode      string      `json:"orderCode"`
	Amount         json.Number `json:"amount"`
	TotalAmount    json.Number `json:"totalAmount"`
	Status         string      `json:"status"`
	ResultCode     string      `json:"resultCode"`
	TransactionID  string      `json:"transactionId"`
	BankTranNo     string      `json:"bankTranNo"`
	TransactionRef string      `json:"transactionRef"`
	Reference      string      `json:"reference"`
	Provider       string      `json:"provider"`
	EventType      string      `json:"eventType"`
}

// ParseWebhook normalizes a raw callback body. SePay is detected by its
// gateway/transferAmount fields; everything else goes through the generic
// mapping.
func ParseWebhook(payload []byte) (WebhookData, error) {
	var sp sepayPayload
	if err := json.Unmarshal(payload, &sp); err == nil && (sp.Gateway != "" || sp.TransferAmount != "") {
		desc := sp.Description
		if desc == "" {
			desc = sp.Content
		}
		amount, _ := sp.TransferAmount.Int64()
		if amount == 0 {
			amount, _ = sp.Amount.Int64()
		}
		ref := sp.ReferenceCode
		if ref == "" {
			ref = sp.Code
		}
		return WebhookData{
			OrderID:        extractOrderID(desc),
			Amount:         amount,
			Status:         StatusSuccess, // SePay only calls back on settled transfers
			TransactionID:  sp.ID.String(),
			TransactionRef: ref,
			Provider:       "sepay",
			EventType:      "payment",
		}, nil
	}

	var gp genericPayload
	if err := json.Unmarshal(payload, &gp); err != nil {
		return WebhookData{}, ErrInvalidInput
	}
	orderID := gp.OrderID
	if orderID == "" {
		orderID = gp.OrderIDSnake
	}
	if orderID == "" {
		orderID = gp.OrderCode
	}
	amount, _ := gp.Amount.Int64()
	if amount == 0 {
		amount, _ = gp.TotalAmount.Int64()
	}
	status := gp.Status
	if status == "" {
		status = gp.ResultCode
	}
	txID := gp.TransactionID
	if txID == "" {
		txID = gp.BankTranNo
	}
	ref := gp.TransactionRef
	if ref == "" {
		ref = gp.Reference
	}
	provider := gp.Provider
	if provider == "" {
		provider = "vietqr"
	}
	eventType := gp.EventType
	if eventType == "" {
		eventType = "payment"
	}
	return WebhookData{
		OrderID:        orderID,
		Amount:         amount,
		Status:         mapStatus(status),
		TransactionID:  txID,
		TransactionRef: ref,
		Provider:       provider,
		EventType:      eventType,
	}, nil
}

// IsSePay reports whether the raw payload looks like a SePay callback, which
// authenticates by API key instead of an HMAC signature.
func IsSePay(payload []byte) bool {
	var sp sepayPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return false
	}
	return sp.Gateway != "" || sp.TransferAmount != ""
}

// VerifyHMAC checks the hex-encoded HMAC-SHA256 signature of the raw payload.
func VerifyHMAC(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

func extractOrderID(description string) string {
	if m := orderIDPattern.FindString(description); m != "" {
		return strings.ToUpper(m)
	}
	return uuidPattern.FindString(description)
}

func mapStatus(external string) string {
	switch strings.ToUpper(strings.TrimSpace(external)) {
	case "SUCCESS", "PAID", "COMPLETED", "00":
		return StatusSuccess
	case "CANCELLED":
		return StatusCancelled
	case "PENDING":
		return StatusPending
	default:
		return StatusFailed
	}
}
