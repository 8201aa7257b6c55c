// Package server is the transport-agnostic facade in front of an
// Engine: it validates wire-shaped requests, maps engine-side typed
// errors to transport status codes, and converts between JSON DTOs and
// the engine's domain types. See http.go for the one HTTP binding this
// module ships; a gRPC binding would sit alongside it, translating the
// same Service calls to protobuf instead of JSON.
package server

import (
	"context"
	"errors"

	rl "github.com/ratelimitd/ratelimitd"
	"github.com/ratelimitd/ratelimitd/metrics"
)

// DecisionRequest is the wire shape of a decision request.
type DecisionRequest struct {
	Domain      string               `json:"domain"`
	Descriptors []DecisionDescriptor `json:"descriptors"`
	HitsAddend  uint32               `json:"hits_addend"`
}

// DecisionDescriptor is one descriptor's ordered entries.
type DecisionDescriptor struct {
	Entries []DecisionEntry `json:"entries"`
}

// DecisionEntry is one (key, value) pair.
type DecisionEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DecisionResponse is the wire shape of a decision response.
type DecisionResponse struct {
	OverallCode int              `json:"overall_code"`
	Statuses    []DecisionStatus `json:"statuses"`
}

// DecisionStatus is one descriptor's result.
type DecisionStatus struct {
	Code                   int                `json:"code"`
	CurrentLimit           *DecisionRateLimit `json:"current_limit,omitempty"`
	LimitRemaining         uint32             `json:"limit_remaining"`
	DurationUntilResetSecs uint64             `json:"duration_until_reset_secs"`
}

// DecisionRateLimit is the resolved limit echoed back on a status.
type DecisionRateLimit struct {
	RequestsPerUnit uint32 `json:"requests_per_unit"`
	Unit            int    `json:"unit"`
}

// Status is a transport-neutral status code for a Service error, mapped
// by each binding (http.go, a future gRPC binding) to its own wire
// representation.
type Status int

const (
	StatusInternal Status = iota
	StatusInvalidArgument
	StatusNotFound
	StatusUnavailable
)

// Error pairs an error with the transport status it should map to.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Service wraps an Engine with wire-shaped request/response handling
// and error-status mapping, per the transport error taxonomy: a
// DomainNotFoundError maps to NotFound, a validation error (including
// the empty-domain/empty-descriptors sentinels) to InvalidArgument, a
// StoreError to Unavailable, and anything else to Internal.
type Service struct {
	engine  *rl.Engine
	metrics *metrics.Metrics
}

// Option configures a Service under construction.
type Option func(*Service)

// WithMetrics attaches a metrics.Metrics instance the Service times
// request duration against. Defaults to nil, in which case no request-
// duration histogram is recorded at this layer (the engine's own
// per-request counters are unaffected either way).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New wraps engine in a Service.
func New(engine *rl.Engine, opts ...Option) *Service {
	s := &Service{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decide validates and converts req, runs the decision, and converts
// the result back to wire shape. On error it returns an *Error whose
// Status field identifies the transport status to report.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) (DecisionResponse, error) {
	if s.metrics != nil {
		stop := s.metrics.StartRequestTimer()
		defer stop()
	}

	domainReq := rl.Request{
		Domain:     req.Domain,
		HitsAddend: req.HitsAddend,
	}
	domainReq.Descriptors = make([]rl.Descriptor, len(req.Descriptors))
	for i, d := range req.Descriptors {
		entries := make([]rl.Entry, len(d.Entries))
		for j, e := range d.Entries {
			entries[j] = rl.Entry{Key: e.Key, Value: e.Value}
		}
		domainReq.Descriptors[i] = rl.Descriptor{Entries: entries}
	}

	resp, err := s.engine.Decide(ctx, domainReq)
	if err != nil {
		return DecisionResponse{}, &Error{Status: classify(err), Err: err}
	}

	out := DecisionResponse{
		OverallCode: int(resp.OverallCode),
		Statuses:    make([]DecisionStatus, len(resp.Statuses)),
	}
	for i, st := range resp.Statuses {
		wireStatus := DecisionStatus{
			Code:                   int(st.Code),
			LimitRemaining:         st.LimitRemaining,
			DurationUntilResetSecs: st.DurationUntilResetSecs,
		}
		if st.CurrentLimit != nil {
			wireStatus.CurrentLimit = &DecisionRateLimit{
				RequestsPerUnit: st.CurrentLimit.RequestsPerUnit,
				Unit:            int(st.CurrentLimit.Unit),
			}
		}
		out.Statuses[i] = wireStatus
	}
	return out, nil
}

// HealthCheck reports whether every store connection the engine routes
// to answers within its configured timeout.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.engine.HealthCheck(ctx)
}

func classify(err error) Status {
	var domainNotFound *rl.DomainNotFoundError
	if errors.As(err, &domainNotFound) {
		return StatusNotFound
	}

	var storeErr *rl.StoreError
	if errors.As(err, &storeErr) {
		return StatusUnavailable
	}

	if errors.Is(err, rl.ErrEmptyDomain) || errors.Is(err, rl.ErrEmptyDescriptors) {
		return StatusInvalidArgument
	}
	var serviceErr *rl.ServiceError
	if errors.As(err, &serviceErr) {
		return StatusInvalidArgument
	}

	return StatusInternal
}
