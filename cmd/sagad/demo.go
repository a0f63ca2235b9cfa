package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"sagaflow/logging"
	"sagaflow/retry"
	"sagaflow/saga"
)

// enrollmentRequest 演示定义的触发请求
//
// FailAt/Failure 用于演练失败路径：reject 为业务拒绝，transient 为持续的可用性故障。
type enrollmentRequest struct {
	Student     string `json:"student"`
	Course      string `json:"course"`
	AmountCents int64  `json:"amount_cents"`
	FailAt      string `json:"fail_at,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

func (r enrollmentRequest) validate() error {
	if r.Student == "" || r.Course == "" {
		return errors.New("student and course are required")
	}
	if r.AmountCents < 0 {
		return errors.New("amount_cents must not be negative")
	}
	switch r.Failure {
	case "", "reject", "transient":
	default:
		return fmt.Errorf("unknown failure mode %q", r.Failure)
	}
	return nil
}

// simulatedParticipants 进程内模拟的三个参与方
//
// 按幂等键记录已执行的调用，重复调用返回首次结果。
type simulatedParticipants struct {
	logger logging.ILogger
	done   *xsync.MapOf[string, []byte]

	mu      sync.Mutex
	charges map[string]int64
	roster  map[string]map[string]bool
}

func newSimulatedParticipants(logger logging.ILogger) *simulatedParticipants {
	return &simulatedParticipants{
		logger:  logger,
		done:    xsync.NewMapOf[string, []byte](),
		charges: make(map[string]int64),
		roster:  make(map[string]map[string]bool),
	}
}

// idempotent 包装动作：同一幂等键只执行一次
func (p *simulatedParticipants) idempotent(fn saga.Action) saga.Action {
	return func(ctx context.Context, call saga.Call) ([]byte, error) {
		if resp, ok := p.done.Load(call.IdempotencyKey); ok {
			return resp, nil
		}
		resp, err := fn(ctx, call)
		if err != nil {
			return nil, err
		}
		p.done.Store(call.IdempotencyKey, resp)
		return resp, nil
	}
}

func (p *simulatedParticipants) injected(call saga.Call, req enrollmentRequest) error {
	if call.Direction != saga.DirectionForward || req.FailAt != call.StepName {
		return nil
	}
	if req.Failure == "transient" {
		return fmt.Errorf("%s service unavailable (attempt %d)", call.StepName, call.Attempt)
	}
	return saga.Reject(call.StepName + " rejected by participant")
}

func decodeEnrollment(call saga.Call) (enrollmentRequest, error) {
	var req enrollmentRequest
	if err := json.Unmarshal(call.Request, &req); err != nil {
		return req, saga.RejectWith("malformed request", err)
	}
	return req, nil
}

func (p *simulatedParticipants) charge(ctx context.Context, call saga.Call) ([]byte, error) {
	req, err := decodeEnrollment(call)
	if err != nil {
		return nil, err
	}
	if err := p.injected(call, req); err != nil {
		return nil, err
	}
	chargeID := "ch_" + call.InstanceID
	p.mu.Lock()
	p.charges[chargeID] = req.AmountCents
	p.mu.Unlock()
	p.logger.Info(ctx, "payment captured", logging.String("charge_id", chargeID), logging.Int64("amount_cents", req.AmountCents))
	return json.Marshal(map[string]string{"charge_id": chargeID})
}

func (p *simulatedParticipants) refund(ctx context.Context, call saga.Call) ([]byte, error) {
	var resp struct {
		ChargeID string `json:"charge_id"`
	}
	if err := json.Unmarshal(call.ForwardResponse, &resp); err != nil {
		return nil, saga.RejectWith("missing charge reference", err)
	}
	p.mu.Lock()
	amount := p.charges[resp.ChargeID]
	delete(p.charges, resp.ChargeID)
	p.mu.Unlock()
	p.logger.Info(ctx, "payment refunded", logging.String("charge_id", resp.ChargeID), logging.Int64("amount_cents", amount))
	return nil, nil
}

func (p *simulatedParticipants) enroll(ctx context.Context, call saga.Call) ([]byte, error) {
	req, err := decodeEnrollment(call)
	if err != nil {
		return nil, err
	}
	if err := p.injected(call, req); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.roster[req.Course] == nil {
		p.roster[req.Course] = make(map[string]bool)
	}
	p.roster[req.Course][req.Student] = true
	p.mu.Unlock()
	p.logger.Info(ctx, "student enrolled", logging.String("course", req.Course), logging.String("student", req.Student))
	return nil, nil
}

func (p *simulatedParticipants) unenroll(ctx context.Context, call saga.Call) ([]byte, error) {
	req, err := decodeEnrollment(call)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	delete(p.roster[req.Course], req.Student)
	p.mu.Unlock()
	p.logger.Info(ctx, "student unenrolled", logging.String("course", req.Course), logging.String("student", req.Student))
	return nil, nil
}

func (p *simulatedParticipants) notify(ctx context.Context, call saga.Call) ([]byte, error) {
	req, err := decodeEnrollment(call)
	if err != nil {
		return nil, err
	}
	if err := p.injected(call, req); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "welcome email sent", logging.String("student", req.Student))
	return nil, nil
}

func (p *simulatedParticipants) enrolled(course, student string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roster[course][student]
}

func (p *simulatedParticipants) charged(chargeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.charges[chargeID]
	return ok
}

// registerDemoDefinitions 注册演示用的 enrollment 定义：
// charge(可补偿) -> enroll(可补偿) -> notify(不可补偿)
func registerDemoDefinitions(registry *saga.Registry, p *simulatedParticipants) error {
	stepRetry := retry.Policy{
		MaxRetries:    2,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		JitterPercent: 20,
	}
	return registry.Register(saga.Definition{
		Name:     "enrollment",
		Deadline: 5 * time.Minute,
		ValidateRequest: func(raw []byte) error {
			var req enrollmentRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return err
			}
			return req.validate()
		},
		Steps: []saga.StepSpec{
			{Name: "charge", Forward: p.idempotent(p.charge), Compensate: p.idempotent(p.refund), Retry: stepRetry},
			{Name: "enroll", Forward: p.idempotent(p.enroll), Compensate: p.idempotent(p.unenroll), Retry: stepRetry},
			{Name: "notify", Forward: p.idempotent(p.notify), Retry: stepRetry, Timeout: 2 * time.Second},
		},
	})
}
