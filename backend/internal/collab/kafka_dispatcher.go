package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/retry"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞计算结果的广播（Publish 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan CalculationEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers int
	policy  retry.Policy
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize int
	Workers   int
	Retry     retry.Policy
	Logger    *zap.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.Retry == (retry.Policy{}) {
		opt.Retry = retry.DefaultPolicy()
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan CalculationEvent, opt.QueueSize),
		sem:      sem,
		workers:  opt.Workers,
		policy:   opt.Retry,
		log:      logger.Component(opt.Logger, "kafka"),
	}
	d.start()
	return d
}

// Publish 把事件放入本地队列；队列满时等待直到 ctx 结束
// （下游不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Publish(ctx context.Context, evt CalculationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.KafkaDropped.Inc()
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CalculationEvent) {
	err := d.policy.Do(context.Background(), func() error {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
			defer func() { _ = d.sem.Release() }()
		}
		return d.sendOnce(evt)
	})
	if err != nil {
		metrics.KafkaDropped.Inc()
		d.log.Warn("kafka send failed, drop event",
			zap.String("room", evt.RoomID),
			zap.String("computation", evt.ComputationID),
			zap.Int64("version", evt.CalculationVersion),
			zap.Int("worker", workerID),
			zap.Error(err))
	}
}

func (d *KafkaDispatcher) sendOnce(evt CalculationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return retry.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// 同一房间的事件落在同一分区，保持顺序
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of queued events.
func (d *KafkaDispatcher) Pending() int { return len(d.queue) }
