package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Party is one side of a bank transfer as printed on the slip.
type Party struct {
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Account     string `json:"account"`
}

// VerifiedPaymentEvidence is the normalized record produced by the slip
// verifier. The engine never mutates it.
type VerifiedPaymentEvidence struct {
	TransRef      string          `json:"trans_ref"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	SendingBank   string          `json:"sending_bank"`
	ReceivingBank string          `json:"receiving_bank"`
	Sender        Party           `json:"sender"`
	Receiver      Party           `json:"receiver"`
	ChatAccountID string          `json:"chat_account_id,omitempty"`
}

// NormalizeAccount strips separators and spaces from a bank account number
// and upper-cases it, so "123-4-56789-0" and "1234567890" compare equal.
func NormalizeAccount(account string) string {
	var b strings.Builder
	for _, r := range account {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
