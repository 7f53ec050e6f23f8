package query

import (
	"github.com/google/uuid"
)

// AccountBalance is one projected ledger account. Balance is signed:
// external boundary accounts run negative.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalanceResponse lists the ledger accounts of one owner.
type BalanceResponse struct {
	Owner        uuid.UUID        `json:"owner"`
	Accounts     []AccountBalance `json:"accounts"`
	AsOfSequence int64            `json:"as_of_sequence"`
}
