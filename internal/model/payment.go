package model

import "fmt"

// BankTransferDetails is what the buyer submits after paying by bank wire.
type BankTransferDetails struct {
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	Reference     string `json:"reference,omitempty"`
}

// CryptoTransferDetails is what the buyer submits after an on-chain payment.
type CryptoTransferDetails struct {
	Network     string `json:"network"`
	TxHash      string `json:"tx_hash"`
	FromAddress string `json:"from_address,omitempty"`
}

// WalletTransferDetails identifies an internal wallet-to-wallet payment.
type WalletTransferDetails struct {
	WalletID string `json:"wallet_id"`
}

// PaymentMethodDetails is a tagged sum over the method-specific payloads a
// buyer submits with payment. Exactly one variant is populated; otc_direct
// carries none. Validated once at the boundary.
type PaymentMethodDetails struct {
	Bank   *BankTransferDetails   `json:"bank,omitempty"`
	Crypto *CryptoTransferDetails `json:"crypto,omitempty"`
	Wallet *WalletTransferDetails `json:"wallet,omitempty"`
}

// Validate checks the payload against the payment method chosen on the
// offer: the matching variant must be present and the others absent.
func (d *PaymentMethodDetails) Validate(method PaymentMethod) error {
	var want, got int
	switch method {
	case MethodBankTransfer:
		want = 1
		if d == nil || d.Bank == nil {
			return fmt.Errorf("bank transfer details required for %s", method)
		}
		if d.Bank.BankName == "" || d.Bank.AccountNumber == "" {
			return fmt.Errorf("bank name and account number are required")
		}
	case MethodCrypto:
		want = 1
		if d == nil || d.Crypto == nil {
			return fmt.Errorf("crypto transfer details required for %s", method)
		}
		if d.Crypto.TxHash == "" {
			return fmt.Errorf("transaction hash is required")
		}
	case MethodWalletTransfer:
		want = 1
		if d == nil || d.Wallet == nil {
			return fmt.Errorf("wallet transfer details required for %s", method)
		}
		if d.Wallet.WalletID == "" {
			return fmt.Errorf("wallet id is required")
		}
	case MethodOTCDirect:
		want = 0
	default:
		return fmt.Errorf("unknown payment method %q", method)
	}

	if d != nil {
		if d.Bank != nil {
			got++
		}
		if d.Crypto != nil {
			got++
		}
		if d.Wallet != nil {
			got++
		}
	}
	if got > want {
		return fmt.Errorf("payment details must carry exactly the %s payload", method)
	}
	return nil
}
