// Package api 提供 sagad 的运维 HTTP 接口
//
// 路由：
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/definitions
//	POST /v1/definitions/{name}/sagas
//	GET  /v1/sagas?status=&page=&page_size=
//	GET  /v1/sagas/{id}
//	POST /v1/sagas/{id}/cancel
//	POST /v1/sagas/{id}/resume
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"sagaflow/logging"
	"sagaflow/saga"
)

const maxBodyBytes = 1 << 20

// ISagaService 接口依赖的引擎能力
type ISagaService interface {
	StartSaga(ctx context.Context, definitionName string, request []byte, correlationID string) (string, error)
	GetSaga(ctx context.Context, instanceID string) (*saga.Instance, error)
	CancelSaga(ctx context.Context, instanceID, reason string) error
	ResumeSaga(ctx context.Context, instanceID string) (saga.Status, error)
	ListSagas(ctx context.Context, status saga.Status, page, pageSize int) (*saga.Page, error)
	Registry() *saga.Registry
}

// Option Handler 选项
type Option func(*Handler)

// WithLogger 设置日志
func WithLogger(l logging.ILogger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithHealthCheck 设置 /health 的依赖检查
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.health = check }
}

// WithMetricsHandler 挂载 /metrics
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler HTTP 入口
type Handler struct {
	service ISagaService
	logger  logging.ILogger
	health  func(ctx context.Context) error
	metrics http.Handler
	mux     *http.ServeMux
	root    http.Handler
}

// NewHandler 创建 Handler
func NewHandler(service ISagaService, opts ...Option) *Handler {
	h := &Handler{service: service, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.ComponentLogger("api")
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	h.mux.HandleFunc("GET /v1/definitions", h.handleDefinitions)
	h.mux.HandleFunc("POST /v1/definitions/{name}/sagas", h.handleStart)
	h.mux.HandleFunc("GET /v1/sagas", h.handleList)
	h.mux.HandleFunc("GET /v1/sagas/{id}", h.handleGet)
	h.mux.HandleFunc("POST /v1/sagas/{id}/cancel", h.handleCancel)
	h.mux.HandleFunc("POST /v1/sagas/{id}/resume", h.handleResume)

	h.root = withRequestID(withAccessLog(h.logger, h.mux))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// StartRequest 启动请求体
type StartRequest struct {
	CorrelationID string          `json:"correlation_id,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
}

// CancelRequest 取消请求体
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SagaRef 启动与恢复的响应
type SagaRef struct {
	InstanceID string      `json:"instance_id"`
	Status     saga.Status `json:"status,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDefinitions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"definitions": h.service.Registry().Names()})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body StartRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, r, http.StatusBadRequest, string(saga.ErrCodeInvalidRequest), err.Error())
		return
	}

	id, err := h.service.StartSaga(detached(r), r.PathValue("name"), body.Request, body.CorrelationID)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sagas/"+id)
	writeJSON(w, http.StatusAccepted, SagaRef{InstanceID: id})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.GetSaga(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newInstanceView(inst))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, r, http.StatusBadRequest, string(saga.ErrCodeInvalidRequest), err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	id := r.PathValue("id")
	if err := h.service.CancelSaga(detached(r), id, body.Reason); err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SagaRef{InstanceID: id})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.service.ResumeSaga(detached(r), id)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SagaRef{InstanceID: id, Status: status})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := saga.ParseStatus(q.Get("status"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, string(saga.ErrCodeInvalidRequest), "status must be one of PENDING, RUNNING, COMPENSATING, COMPLETED, FAILED, COMPENSATED")
		return
	}
	page, err := queryInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(saga.ErrCodeInvalidRequest), "page: "+err.Error())
		return
	}
	pageSize, err := queryInt(q.Get("page_size"), saga.DefaultPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(saga.ErrCodeInvalidRequest), "page_size: "+err.Error())
		return
	}

	result, err := h.service.ListSagas(r.Context(), status, page, pageSize)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(result))
}

// detached 保留请求 ctx 的值但不继承其取消，客户端断开不会中断已开始的执行
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// decodeBody 解析 JSON 请求体；optional 为 true 时允许空体
func decodeBody(w http.ResponseWriter, r *http.Request, out any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

type stepView struct {
	StepName  string          `json:"step_name"`
	StepIndex int             `json:"step_index"`
	Direction saga.Direction  `json:"direction"`
	Attempt   int             `json:"attempt"`
	Result    saga.Result     `json:"result"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type instanceView struct {
	InstanceID               string          `json:"instance_id"`
	Definition               string          `json:"definition"`
	CorrelationID            string          `json:"correlation_id,omitempty"`
	Status                   saga.Status     `json:"status"`
	CurrentStepIndex         int             `json:"current_step_index"`
	Request                  json.RawMessage `json:"request,omitempty"`
	Steps                    []stepView      `json:"steps"`
	IrreversibleStepsSkipped []string        `json:"irreversible_steps_skipped,omitempty"`
	Irrecoverable            bool            `json:"irrecoverable,omitempty"`
	CancelReason             string          `json:"cancel_reason,omitempty"`
	DeadlineAt               *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	Version                  uint64          `json:"version"`
}

func newInstanceView(inst *saga.Instance) instanceView {
	v := instanceView{
		InstanceID:               inst.ID,
		Definition:               inst.DefinitionName,
		CorrelationID:            inst.CorrelationID,
		Status:                   inst.Status,
		CurrentStepIndex:         inst.CurrentStepIndex,
		Request:                  rawPayload(inst.Request),
		Steps:                    make([]stepView, 0, len(inst.StepOutcomes)),
		IrreversibleStepsSkipped: inst.IrreversibleStepsSkipped,
		Irrecoverable:            inst.Irrecoverable,
		CancelReason:             inst.CancelReason,
		CreatedAt:                inst.CreatedAt,
		UpdatedAt:                inst.UpdatedAt,
		Version:                  inst.Version,
	}
	if !inst.DeadlineAt.IsZero() {
		d := inst.DeadlineAt
		v.DeadlineAt = &d
	}
	for _, o := range inst.StepOutcomes {
		v.Steps = append(v.Steps, stepView{
			StepName:  o.StepName,
			StepIndex: o.StepIndex,
			Direction: o.Direction,
			Attempt:   o.Attempt,
			Result:    o.Result,
			Response:  rawPayload(o.ResponsePayload),
			Error:     o.Error,
			Timestamp: o.Timestamp,
		})
	}
	return v
}

// PageMeta 分页信息
type PageMeta struct {
	Page        int  `json:"page"`
	PageSize    int  `json:"page_size"`
	TotalItems  int  `json:"total_items"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

type pageView struct {
	Items []instanceView `json:"items"`
	Meta  PageMeta       `json:"meta"`
}

func newPageView(p *saga.Page) pageView {
	v := pageView{
		Items: make([]instanceView, 0, len(p.Instances)),
		Meta: PageMeta{
			Page:        p.Page,
			PageSize:    p.PageSize,
			TotalItems:  p.Total,
			TotalPages:  p.TotalPages(),
			HasNext:     p.HasNext(),
			HasPrevious: p.Page > 1,
		},
	}
	for _, inst := range p.Instances {
		v.Items = append(v.Items, newInstanceView(inst))
	}
	return v
}

// rawPayload 合法 JSON 原样输出，否则作为字符串输出
func rawPayload(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
