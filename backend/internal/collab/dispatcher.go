package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"calcsync/backend/internal/cache"
	"calcsync/backend/internal/logger"
	"calcsync/backend/internal/metrics"
	"calcsync/backend/internal/protocol"
)

// Rooms is the slice of the room coordinator the dispatcher needs.
type Rooms interface {
	SubjectID(roomID string) (string, error)
	NextVersion(ctx context.Context, roomID string) (int64, error)
	Publish(ctx context.Context, roomID, eventType, excludeUserID string, payload any) error
	SendToUser(roomID, userID string, payload any) bool
	RecordResult(res protocol.CalculationResult)
}

// Resolver is the calculation cache.
type Resolver interface {
	GetOrCompute(ctx context.Context, subjectID, computationID string, inputs any, compute cache.ComputeFunc) ([]byte, bool, error)
}

type DispatcherOptions struct {
	Delay   time.Duration
	Timeout time.Duration
	Logger  *zap.Logger
}

type pairKey struct {
	room        string
	computation string
}

// pending 是一个 (room, computationId) 的防抖状态
type pending struct {
	timer     *time.Timer
	gen       uint64
	inputs    json.RawMessage
	requester string
	// running 时新的提交只记 dirty，结束后再按最新输入重新防抖
	running bool
	dirty   bool
}

// Dispatcher coalesces bursts of calculation-update per (room, computationId):
// last write wins, at most one calculation in flight per pair, pairs never
// wait on each other.
type Dispatcher struct {
	opts       DispatcherOptions
	resolver   Resolver
	calculator Calculator
	rooms      Rooms
	sem        *SemaphoreControl
	sinks      []ResultSink
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[pairKey]*pending
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(resolver Resolver, calculator Calculator, rooms Rooms, sem *SemaphoreControl, opts DispatcherOptions, sinks ...ResultSink) *Dispatcher {
	if opts.Delay <= 0 {
		opts.Delay = 100 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if sem == nil {
		sem = NewSemaphoreControl(DefaultMaxSemaphore)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:       opts,
		resolver:   resolver,
		calculator: calculator,
		rooms:      rooms,
		sem:        sem,
		sinks:      sinks,
		log:        logger.Component(opts.Logger, "dispatcher"),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[pairKey]*pending),
	}
}

// Submit (re)starts the debounce window for the pair with the latest inputs.
func (d *Dispatcher) Submit(roomID, computationID string, inputs json.RawMessage, requesterID string) error {
	k := pairKey{roomID, computationID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	p, ok := d.pending[k]
	if !ok {
		p = &pending{}
		d.pending[k] = p
	}
	if p.timer != nil && p.timer.Stop() {
		metrics.CoalescedSubmits.Inc()
	}
	p.timer = nil
	p.gen++
	p.inputs = inputs
	p.requester = requesterID
	if p.running {
		p.dirty = true
		return nil
	}
	d.schedule(k, p)
	return nil
}

// schedule 需持有 d.mu
func (d *Dispatcher) schedule(k pairKey, p *pending) {
	gen := p.gen
	p.timer = time.AfterFunc(d.opts.Delay, func() { d.fire(k, gen) })
}

func (d *Dispatcher) fire(k pairKey, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[k]
	// Stop 失败的旧定时器：已被更新的提交取代
	if !ok || d.closed || p.gen != gen || p.running {
		d.mu.Unlock()
		return
	}
	p.timer = nil
	p.running = true
	inputs, requester := p.inputs, p.requester
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.run(k, inputs, requester)

	d.mu.Lock()
	defer d.mu.Unlock()
	p.running = false
	if p.dirty && !d.closed {
		p.dirty = false
		d.schedule(k, p)
		return
	}
	if p.timer == nil {
		delete(d.pending, k)
	}
}

func (d *Dispatcher) run(k pairKey, inputs json.RawMessage, requester string) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx); err != nil {
		d.fail(k, requester, err)
		return
	}
	defer func() { _ = d.sem.Release() }()

	subjectID, err := d.rooms.SubjectID(k.room)
	if err != nil {
		// 房间已回收，结果没人收
		d.log.Debug("drop calculation for unknown room", zap.String("room", k.room), zap.Error(err))
		return
	}
	result, cached, err := d.resolver.GetOrCompute(ctx, subjectID, k.computation, inputs, func(ctx context.Context) ([]byte, error) {
		return d.calculator.Compute(ctx, CalcRequest{SubjectID: subjectID, ComputationID: k.computation, Inputs: inputs})
	})
	if err != nil {
		d.fail(k, requester, err)
		return
	}
	version, err := d.rooms.NextVersion(ctx, k.room)
	if err != nil {
		d.log.Debug("room gone before result applied", zap.String("room", k.room), zap.Error(err))
		return
	}
	res := protocol.CalculationResult{
		Type:               protocol.TypeCalculationResult,
		RoomID:             k.room,
		ComputationID:      k.computation,
		Result:             json.RawMessage(result),
		CalculationVersion: version,
		RequesterID:        requester,
		Cached:             cached,
	}
	d.rooms.RecordResult(res)
	if err := d.rooms.Publish(ctx, k.room, protocol.TypeCalculationResult, "", res); err != nil {
		d.log.Warn("broadcast calculation result", zap.String("room", k.room), zap.Error(err))
	}

	evt := CalculationEvent{
		EventType:          EventCalculationApplied,
		RoomID:             k.room,
		SubjectID:          subjectID,
		ComputationID:      k.computation,
		CalculationVersion: version,
		RequesterID:        requester,
		Inputs:             inputs,
		Result:             res.Result,
		Cached:             cached,
		AppliedAt:          time.Now(),
	}
	for _, s := range d.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			d.log.Warn("result sink", zap.String("room", k.room), zap.Error(err))
		}
	}
}

// fail reports to the requester only; nothing is cached or broadcast.
func (d *Dispatcher) fail(k pairKey, requester string, err error) {
	d.log.Info("calculation failed",
		zap.String("room", k.room), zap.String("computation", k.computation),
		zap.String("requester", requester), zap.Error(err))
	msg := "calculation failed"
	var ce *CalcError
	switch {
	case errors.As(err, &ce):
		msg = ce.Message
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrAcquireTimeout):
		msg = "calculation timed out"
	}
	d.rooms.SendToUser(k.room, requester, protocol.CalculationError{
		Type:          protocol.TypeCalculationError,
		RoomID:        k.room,
		ComputationID: k.computation,
		Message:       msg,
	})
}

// Pending is the number of open debounce windows or running calculations.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close drops open debounce windows and waits for running calculations
// until ctx ends, after which they are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	dropped := 0
	for k, p := range d.pending {
		if p.timer != nil && p.timer.Stop() {
			dropped++
		}
		if !p.running {
			delete(d.pending, k)
		}
	}
	d.mu.Unlock()
	if dropped > 0 {
		d.log.Info("dropped pending calculations on shutdown", zap.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
