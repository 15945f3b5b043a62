package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/core/domain"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func committedEvent(id string) domain.TransactionEvent {
	return domain.NewTransactionEvent(domain.EventTransactionCommitted, domain.Transaction{
		ID:     id,
		UserID: "cashier-1",
		Status: domain.TransactionStatusCommitted,
		Total:  decimal.RequireFromString("30.00"),
		Items: []domain.LineItem{
			{ProductID: "A", Quantity: 3, UnitPrice: decimal.RequireFromString("10.00")},
		},
	})
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_Publish(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	producer := &fakeProducer{}
	pub := NewKafkaPublisher(producer, "pos.transactions")

	require.NoError(t, pub.Publish(ctx, committedEvent("tx-1")))

	require.Len(t, producer.msgs, 1)
	msg := producer.msgs[0]
	assert.Equal(t, "pos.transactions", msg.Topic)
	assert.Equal(t, "tx-1", string(msg.Key))
	assert.Equal(t, "transaction.committed", header(msg, eventTypeHeader))
	assert.Contains(t, header(msg, "traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	var decoded domain.TransactionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "tx-1", decoded.TransactionID)
	assert.True(t, decoded.Total.Equal(decimal.RequireFromString("30")))
	require.Len(t, decoded.Lines, 1)
	assert.Equal(t, 3, decoded.Lines[0].Quantity)
}

func TestKafkaPublisher_ProducerError(t *testing.T) {
	pub := NewKafkaPublisher(&fakeProducer{err: errors.New("broker down")}, "pos.transactions")

	err := pub.Publish(context.Background(), committedEvent("tx-1"))
	assert.ErrorContains(t, err, "broker down")
}

func TestDispatcher_DrainsOnClose(t *testing.T) {
	producer := &fakeProducer{}
	d := NewDispatcher(NewKafkaPublisher(producer, "t"), zap.NewNop(), 100, 4)

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Publish(context.Background(), committedEvent("tx")))
	}
	d.Close()

	assert.Equal(t, 50, producer.count())
	assert.ErrorIs(t, d.Publish(context.Background(), committedEvent("late")), ErrDispatcherClosed)
}

type blockingPublisher struct {
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, event domain.TransactionEvent) error {
	<-b.release
	return nil
}

func TestDispatcher_QueueFull(t *testing.T) {
	blocker := &blockingPublisher{release: make(chan struct{})}
	d := NewDispatcher(blocker, zap.NewNop(), 1, 1)

	require.NoError(t, d.Publish(context.Background(), committedEvent("a")))
	// The worker may or may not have taken the first event yet, so fill until rejected.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = d.Publish(context.Background(), committedEvent("b"))
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(blocker.release)
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not drain")
	}
}

func TestNoopPublisher(t *testing.T) {
	assert.NoError(t, NoopPublisher{}.Publish(context.Background(), committedEvent("x")))
}
