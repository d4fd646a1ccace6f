package payment

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// BankConfig is the VietQR transfer destination, sourced from the
// environment at startup.
type BankConfig struct {
	BankCode      string
	AccountNumber string
	AccountName   string
}

// BankConfigFromEnv reads VIETQR_* variables; BankCode falls back to the
// default acquiring bank.
func BankConfigFromEnv() BankConfig {
	cfg := BankConfig{
		BankCode:      strings.TrimSpace(os.Getenv("VIETQR_BANK_CODE")),
		AccountNumber: strings.TrimSpace(os.Getenv("VIETQR_ACCOUNT_NUMBER")),
		AccountName:   strings.TrimSpace(os.Getenv("VIETQR_ACCOUNT_NAME")),
	}
	if cfg.BankCode == "" {
		cfg.BankCode = "970422"
	}
	return cfg
}

// Configured reports whether the destination account is usable.
func (c BankConfig) Configured() bool {
	return c.AccountNumber != "" && c.AccountName != ""
}

// qrImageURL builds the img.vietqr.io image link for a transfer.
// See https://www.vietqr.io/danh-sach-api for the URL template.
func (c BankConfig) qrImageURL(amount int64, addInfo string) string {
	params := url.Values{}
	params.Set("amount", fmt.Sprintf("%d", amount))
	params.Set("addInfo", addInfo)
	params.Set("accountName", c.AccountName)
	return fmt.Sprintf("https://img.vietqr.io/image/%s-%s-qr_only.jpg?%s",
		c.BankCode, c.AccountNumber, params.Encode())
}
