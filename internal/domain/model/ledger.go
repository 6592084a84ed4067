package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationFailed    ReservationStatus = "FAILED"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationConfirmed || s == ReservationFailed
}

// CreditReservation is a provisional hold. It never moves the balance by itself.
type CreditReservation struct {
	ID             string
	OrganizationID string
	Amount         decimal.Decimal
	Status         ReservationStatus
	ExpiresAt      time.Time
	JobID          *string
	TaskID         *string
	CreatedAt      time.Time
	SettledAt      *time.Time
}

func (r *CreditReservation) Expired(now time.Time) bool {
	return r.Status == ReservationPending && now.After(r.ExpiresAt)
}

type TransactionType string

const (
	TxCharge       TransactionType = "CHARGE"
	TxRecharge     TransactionType = "RECHARGE"
	TxCommission   TransactionType = "COMMISSION"
	TxRefund       TransactionType = "REFUND"
	TxSubscription TransactionType = "SUBSCRIPTION"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxCharge, TxRecharge, TxCommission, TxRefund, TxSubscription:
		return true
	}
	return false
}

// CreditTransaction is an append-only ledger entry with a signed amount.
type CreditTransaction struct {
	ID             string
	OrganizationID string
	Amount         decimal.Decimal
	Type           TransactionType
	Description    string
	// Reference is unique when set and makes replays of the same entry fail.
	Reference *string
	CreatedAt time.Time
}

// BalanceAudit compares the denormalized balance with the ledger sum.
type BalanceAudit struct {
	OrganizationID string
	Balance        decimal.Decimal
	LedgerSum      decimal.Decimal
}

func (a BalanceAudit) Drift() decimal.Decimal { return a.Balance.Sub(a.LedgerSum) }
