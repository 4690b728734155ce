package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/retry"
)

func testEvent(room string, version int64) CalculationEvent {
	return CalculationEvent{
		EventType:          EventCalculationApplied,
		RoomID:             room,
		SubjectID:          "estimate-1",
		ComputationID:      "totals",
		CalculationVersion: version,
		Inputs:             json.RawMessage(`{"qty":2}`),
		Result:             json.RawMessage(`{"total":20}`),
		AppliedAt:          time.Unix(1700000000, 0).UTC(),
	}
}

func newTestKafka(t *testing.T, producer sarama.SyncProducer) *KafkaDispatcher {
	return NewKafkaDispatcher(producer, "calc-events", NewSemaphoreControl(2), KafkaDispatcherOptions{
		QueueSize: 16,
		Workers:   1,
		Retry:     retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 3},
		Logger:    zaptest.NewLogger(t),
	})
}

func TestKafkaDispatcher_SendsEncodedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(b []byte) error {
		var evt CalculationEvent
		if err := json.Unmarshal(b, &evt); err != nil {
			return err
		}
		if evt.RoomID != "r1" || evt.CalculationVersion != 7 {
			return errors.New("unexpected event")
		}
		return nil
	})
	d := newTestKafka(t, producer)

	require.NoError(t, d.Publish(context.Background(), testEvent("r1", 7)))
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	d := newTestKafka(t, producer)
	before := testutil.ToFloat64(metrics.KafkaDropped)

	require.NoError(t, d.Publish(context.Background(), testEvent("r1", 1)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KafkaDropped))
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RecoversWithinRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()
	d := newTestKafka(t, producer)
	before := testutil.ToFloat64(metrics.KafkaDropped)

	require.NoError(t, d.Publish(context.Background(), testEvent("r1", 1)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, before, testutil.ToFloat64(metrics.KafkaDropped))
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_CloseDrainsQueue(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 5; i++ {
		producer.ExpectSendMessageAndSucceed()
	}
	d := newTestKafka(t, producer)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Publish(context.Background(), testEvent("r1", int64(i+1))))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 0, d.Pending())
	assert.ErrorIs(t, d.Publish(context.Background(), testEvent("r1", 9)), ErrDispatcherClosed)
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_NoProducerIsNoop(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, d.Publish(context.Background(), testEvent("r1", 1)))
	require.NoError(t, d.Close(context.Background()))
}
