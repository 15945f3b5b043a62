package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTransactionCommitted EventType = "transaction.committed"
	EventTransactionUpdated   EventType = "transaction.updated"
	EventTransactionVoided    EventType = "transaction.voided"
)

type EventLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// TransactionEvent is published after a transaction changes state.
type TransactionEvent struct {
	Type          EventType         `json:"type"`
	TransactionID string            `json:"transaction_id"`
	UserID        string            `json:"user_id"`
	Status        TransactionStatus `json:"status"`
	Total         decimal.Decimal   `json:"total"`
	Lines         []EventLine       `json:"lines"`
	Warnings      int               `json:"warnings,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func NewTransactionEvent(t EventType, tx Transaction) TransactionEvent {
	lines := make([]EventLine, 0, len(tx.Items))
	for _, item := range tx.Items {
		lines = append(lines, EventLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return TransactionEvent{
		Type:          t,
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Status:        tx.Status,
		Total:         tx.Total,
		Lines:         lines,
		OccurredAt:    time.Now().UTC(),
	}
}
