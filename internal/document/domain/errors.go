package domain

import "errors"

var (
	ErrNotFound            = errors.New("document_not_found")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrDocumentLocked      = errors.New("document_locked")
	ErrAmountsFrozen       = errors.New("amounts_frozen")
	ErrSettlementConflict  = errors.New("settlement_conflict")
	ErrNoSettlement        = errors.New("no_settlement")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidOrganization = errors.New("invalid_organization")
)
