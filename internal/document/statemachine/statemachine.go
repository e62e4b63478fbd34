// Package statemachine holds the billing document transition table. It is
// pure decision logic: no I/O, no clock, deterministic. Every writer asks
// this package before touching status; illegal edges are rejected here, in
// one place, instead of being re-validated ad hoc per caller.
package statemachine

import (
	"fmt"

	"github.com/smallbiznis/factura/internal/document/domain"
)

type edge struct {
	kind domain.Kind
	from domain.Status
	to   domain.Status
}

// transitions is the closed set of legal edges.
//
// Invoice: DRAFT → SENT → {PAID, OVERDUE, CANCELLED}, OVERDUE → {PAID,
// CANCELLED}, PAID → REFUNDED. Quote: DRAFT → SENT → {ACCEPTED, DECLINED,
// EXPIRED}, ACCEPTED → INVOICED.
var transitions = map[edge]struct{}{
	{domain.KindInvoice, domain.StatusDraft, domain.StatusSent}:        {},
	{domain.KindInvoice, domain.StatusSent, domain.StatusPaid}:         {},
	{domain.KindInvoice, domain.StatusSent, domain.StatusOverdue}:      {},
	{domain.KindInvoice, domain.StatusSent, domain.StatusCancelled}:    {},
	{domain.KindInvoice, domain.StatusOverdue, domain.StatusPaid}:      {},
	{domain.KindInvoice, domain.StatusOverdue, domain.StatusCancelled}: {},
	{domain.KindInvoice, domain.StatusPaid, domain.StatusRefunded}:     {},

	{domain.KindQuote, domain.StatusDraft, domain.StatusSent}:       {},
	{domain.KindQuote, domain.StatusSent, domain.StatusAccepted}:    {},
	{domain.KindQuote, domain.StatusSent, domain.StatusDeclined}:    {},
	{domain.KindQuote, domain.StatusSent, domain.StatusExpired}:     {},
	{domain.KindQuote, domain.StatusAccepted, domain.StatusInvoiced}: {},
}

// InvoiceStatuses and QuoteStatuses enumerate each kind's vocabulary.
var (
	InvoiceStatuses = []domain.Status{
		domain.StatusDraft, domain.StatusSent, domain.StatusPaid,
		domain.StatusOverdue, domain.StatusCancelled, domain.StatusRefunded,
	}
	QuoteStatuses = []domain.Status{
		domain.StatusDraft, domain.StatusSent, domain.StatusAccepted,
		domain.StatusDeclined, domain.StatusExpired, domain.StatusInvoiced,
	}
)

// Transition returns the new status for a requested edge, or
// domain.ErrInvalidTransition. Unknown edges are never silently ignored.
func Transition(kind domain.Kind, current, requested domain.Status) (domain.Status, error) {
	if kind != domain.KindInvoice && kind != domain.KindQuote {
		return "", domain.ErrInvalidKind
	}
	if _, ok := transitions[edge{kind, current, requested}]; !ok {
		return "", fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidTransition, kind, current, requested)
	}
	return requested, nil
}

// CanEdit reports whether a document may still be modified. Paid and
// refunded invoices are locked; quotes lock once accepted or invoiced.
func CanEdit(kind domain.Kind, status domain.Status) bool {
	switch kind {
	case domain.KindInvoice:
		return status != domain.StatusPaid && status != domain.StatusRefunded
	case domain.KindQuote:
		return status != domain.StatusAccepted && status != domain.StatusInvoiced
	default:
		return false
	}
}

// CanDelete mirrors CanEdit: deletion of a settled document is refused by
// the state machine, not by a UI check.
func CanDelete(kind domain.Kind, status domain.Status) bool {
	return CanEdit(kind, status)
}

// AmountsFrozen reports whether pricing is fixed. Amounts are set in draft
// and never re-priced after the document leaves it.
func AmountsFrozen(status domain.Status) bool {
	return status != domain.StatusDraft
}

// Settleable reports whether an invoice status can accept a settlement.
// SENT → PAID and OVERDUE → PAID are the only inbound edges to PAID.
func Settleable(kind domain.Kind, status domain.Status) bool {
	if kind != domain.KindInvoice {
		return false
	}
	return status == domain.StatusSent || status == domain.StatusOverdue
}
