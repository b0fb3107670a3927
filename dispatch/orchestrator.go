// Package dispatch runs a completion request against the backends assigned to
// each role, retrying transient failures and falling over from role to role.
//
// Roles are attempted strictly in sequence; the first success wins. Streaming
// object requests are parsed incrementally and reconciled, and fall back to
// a plain object request on the same role when the stream cannot be used.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/richinex/rolecall/config"
	"github.com/richinex/rolecall/ledger"
	"github.com/richinex/rolecall/llm"
	"github.com/richinex/rolecall/resilience"
	"github.com/richinex/rolecall/role"
	"github.com/richinex/rolecall/stream"
)

// DefaultUsageWait bounds how long a finished stream's usage report is awaited.
const DefaultUsageWait = 2 * time.Second

// Resolver maps a role to its backend configuration. It is consulted on
// every role attempt.
type Resolver interface {
	Resolve(r role.Role) (config.Resolved, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r role.Role) (config.Resolved, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(r role.Role) (config.Resolved, error) {
	return f(r)
}

// Request is one logical completion request.
type Request struct {
	Role         role.Role
	Messages     []llm.ChatMessage
	Structure    *llm.Structure
	CommandLabel string
	// Extraction enables incremental item extraction for streaming kinds
	// and item lookup for object results. Nil passes streams through.
	Extraction *stream.Config
	// StreamTimeout bounds stream consumption; 0 disables the bound.
	// Extraction callbacks are not invoked once consumption has been given
	// up on; a callback already running at that moment may still finish.
	StreamTimeout time.Duration
	// RequestID is generated when empty.
	RequestID string
}

// Result is a successful response.
type Result struct {
	// Payload is the text, the JSON object, the accumulated stream text, or
	// an open stream handle when a stream is passed through.
	Payload   any
	Items     []json.RawMessage
	Usage     *llm.Usage
	Role      role.Role
	BackendID string
	ModelID   string
	RequestID string
	// FellBack is set when a stream failed and the object request served it.
	FellBack bool
}

// Orchestrator dispatches requests across roles.
type Orchestrator struct {
	backends  map[string]llm.Backend
	resolver  Resolver
	retry     resilience.RetryConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	recorder  ledger.Recorder
	usageWait time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetry replaces the retry policy.
func WithRetry(c resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = c }
}

// WithTracer sets the tracer used for request and role spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithRecorder records every attempt.
func WithRecorder(r ledger.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithUsageWait bounds the wait for stream usage.
func WithUsageWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.usageWait = d }
}

// New creates an orchestrator over backends keyed by backend id.
func New(backends map[string]llm.Backend, resolver Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends:  backends,
		resolver:  resolver,
		retry:     *resilience.DefaultRetryConfig(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/richinex/rolecall/dispatch"),
		usageWait: DefaultUsageWait,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req with the given kind, trying each role of the request's
// sequence until one succeeds. The error is the last role's cleaned message,
// or a *CapabilityError when a model cannot produce structured output.
func (o *Orchestrator) Run(ctx context.Context, kind llm.Kind, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := o.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("kind", string(kind)),
		zap.String("command", req.CommandLabel),
	)

	ctx, span := o.tracer.Start(ctx, "dispatch.Run", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.kind", string(kind)),
		attribute.String("request.role", string(req.Role)),
	))
	defer span.End()

	var lastMessage string
	for _, r := range role.Sequence(req.Role, logger) {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		out := o.attemptRole(ctx, kind, req, r, logger)
		switch out.kind {
		case outcomeSuccess:
			span.SetAttributes(attribute.String("result.role", string(out.result.Role)))
			span.SetStatus(codes.Ok, "")
			return out.result, nil
		case outcomeAbort:
			logger.Error("aborting role sequence", zap.String("role", string(r)), zap.Error(out.err))
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.message)
			return nil, out.err
		case outcomeNext:
			if out.message != "" {
				lastMessage = out.message
			}
			logger.Warn("role failed, trying next role",
				zap.String("role", string(r)), zap.String("error", out.message))
		}
	}

	err := ErrNoRoles
	if lastMessage != "" {
		err = errors.New(lastMessage)
	}
	logger.Error("all roles failed", zap.Error(err))
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (o *Orchestrator) attemptRole(ctx context.Context, kind llm.Kind, req Request, r role.Role, logger *zap.Logger) outcome {
	ctx, span := o.tracer.Start(ctx, "dispatch.role", trace.WithAttributes(attribute.String("role", string(r))))
	defer span.End()

	resolved, err := o.resolver.Resolve(r)
	if err != nil {
		logger.Warn("role unavailable", zap.String("role", string(r)), zap.Error(err))
		span.RecordError(err)
		return next(CleanMessage(err))
	}
	span.SetAttributes(
		attribute.String("backend", resolved.BackendID),
		attribute.String("model", resolved.ModelID),
	)

	backend, ok := o.backends[resolved.BackendID]
	if !ok || backend == nil {
		msg := fmt.Sprintf("no backend registered for %q", resolved.BackendID)
		logger.Warn("role unavailable", zap.String("role", string(r)), zap.String("error", msg))
		return next(msg)
	}
	resolved.Role = r

	res, err := o.call(ctx, kind, backend, resolved, req)
	objectKind := kind
	if err != nil && kind.IsStreaming() && req.Extraction != nil {
		if f, ok := stream.AsFailure(err); ok {
			logger.Warn("stream unusable, retrying role with an object request",
				zap.String("role", string(r)), zap.String("code", string(f.Code)), zap.Error(err))
			objectKind = llm.KindObject
			res, err = o.call(ctx, llm.KindObject, backend, resolved, req)
			if res != nil {
				res.FellBack = true
			}
		}
	}
	if err == nil {
		return success(res)
	}

	span.RecordError(err)
	msg := CleanMessage(err)
	if objectKind.IsObject() && isCapabilityMismatch(msg) {
		return abort(&CapabilityError{
			Role:      r,
			BackendID: resolved.BackendID,
			ModelID:   resolved.ModelID,
			Message:   msg,
		})
	}
	return next(msg)
}

// call performs one kind of invocation on one role, retries included, and
// turns the response into a Result.
func (o *Orchestrator) call(ctx context.Context, kind llm.Kind, backend llm.Backend, resolved config.Resolved, req Request) (*Result, error) {
	params := resolved.Params
	params.Messages = req.Messages
	if kind.IsObject() {
		params.Structure = req.Structure
		if params.Structure == nil {
			params.Structure = &llm.Structure{}
		}
	}
	params = llm.ApplyCapabilities(params, resolved.Capabilities)

	extracting := kind.IsStreaming() && req.Extraction != nil
	if extracting {
		// the stream pump stops once extraction is over
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	entry := ledger.Entry{
		RequestID:    req.RequestID,
		CommandLabel: req.CommandLabel,
		Role:         string(resolved.Role),
		BackendID:    resolved.BackendID,
		ModelID:      resolved.ModelID,
		Kind:         string(kind),
	}

	retry := o.retry
	if retry.Logger == nil {
		retry.Logger = o.logger
	}
	observe := retry.OnAttempt
	retry.OnAttempt = func(ctx context.Context, ar resilience.AttemptResult) {
		entry.Attempt = ar.Number
		if ar.Err != nil {
			failed := entry
			failed.Error = CleanMessage(ar.Err)
			o.record(ctx, failed)
		}
		if observe != nil {
			observe(ctx, ar)
		}
	}

	info := resilience.Attempt{
		Role:      string(resolved.Role),
		BackendID: resolved.BackendID,
		ModelID:   resolved.ModelID,
	}
	resp, err := resilience.Retry(ctx, &retry, info, func(ctx context.Context) (*llm.Response, error) {
		return backend.Invoke(ctx, kind, params)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s returned no response", resolved.BackendID)
	}

	res := &Result{
		Role:      resolved.Role,
		BackendID: resolved.BackendID,
		ModelID:   resolved.ModelID,
		RequestID: req.RequestID,
		Usage:     resp.Usage,
	}

	switch {
	case extracting:
		err = o.extract(ctx, resp, req, res)
	case kind.IsStreaming():
		res.Payload = resp.Stream
	case kind == llm.KindObject:
		res.Payload = resp.Object
		if req.Extraction != nil {
			res.Items = objectItems(resp.Object, *req.Extraction)
		}
	default:
		res.Payload = resp.Text
	}

	entry.Success = err == nil
	if err != nil {
		entry.Error = CleanMessage(err)
	}
	entry.Fingerprint = payloadFingerprint(res.Payload)
	if res.Usage != nil {
		entry.InputTokens = res.Usage.InputTokens
		entry.OutputTokens = res.Usage.OutputTokens
	}
	o.record(ctx, entry)

	if err != nil {
		return nil, err
	}
	return res, nil
}

// extract consumes the stream in resp, reconciles it, and fills res.
func (o *Orchestrator) extract(ctx context.Context, resp *llm.Response, req Request, res *Result) error {
	cfg := *req.Extraction
	if cfg.FullExtractor == nil {
		cfg.FullExtractor = stream.PathExtractor(cfg.ItemPath)
	}
	var closed atomic.Bool
	defer closed.Store(true)
	if onProgress := cfg.OnProgress; onProgress != nil {
		cfg.OnProgress = func(item json.RawMessage, p stream.Progress) error {
			if closed.Load() {
				return nil
			}
			return onProgress(item, p)
		}
	}
	if onError := cfg.OnError; onError != nil {
		cfg.OnError = func(err error) {
			if !closed.Load() {
				onError(err)
			}
		}
	}
	extractor := stream.NewExtractor(cfg, o.logger)

	consume := func(ctx context.Context) (*stream.State, error) {
		return extractor.Consume(ctx, resp.Stream)
	}
	var state *stream.State
	var err error
	if req.StreamTimeout > 0 {
		state, err = resilience.WithHardTimeout(ctx, req.StreamTimeout, "Streaming operation", consume)
	} else {
		state, err = consume(ctx)
	}
	if err != nil {
		return err
	}

	if err := stream.Reconcile(state, cfg, o.logger); err != nil {
		return err
	}
	if len(state.Items) == 0 {
		return stream.NewFailure(stream.ProcessingFailed, "stream produced no items")
	}

	res.Payload = state.Text()
	res.Items = state.Items
	if res.Usage == nil {
		res.Usage = o.streamUsage(ctx, resp.Stream)
	}
	return nil
}

type usageReporter interface {
	Usage(ctx context.Context) (*llm.Usage, error)
}

// streamUsage waits briefly for the stream's usage report; nil when the
// handle reports none in time.
func (o *Orchestrator) streamUsage(ctx context.Context, handle any) *llm.Usage {
	u, ok := handle.(usageReporter)
	if !ok {
		return nil
	}
	return resilience.WithSoftTimeout(ctx, o.usageWait, (*llm.Usage)(nil), u.Usage)
}

// objectItems pulls the validated items at the extraction path out of a
// complete object.
func objectItems(object json.RawMessage, cfg stream.Config) []json.RawMessage {
	if len(object) == 0 {
		return nil
	}
	extract := cfg.FullExtractor
	if extract == nil {
		extract = stream.PathExtractor(cfg.ItemPath)
	}
	validate := cfg.Validate
	if validate == nil {
		validate = stream.HasTitle
	}

	all, ok := extract(string(object))
	if !ok {
		return nil
	}
	items := make([]json.RawMessage, 0, len(all))
	for _, item := range all {
		if validate(item) {
			items = append(items, item)
		}
	}
	return items
}

// payloadFingerprint hashes text and object payloads. Pass-through streams
// are never read here and get none.
func payloadFingerprint(payload any) string {
	switch p := payload.(type) {
	case string:
		return ledger.Fingerprint(p)
	case json.RawMessage:
		return ledger.Fingerprint(string(p))
	}
	return ""
}

func (o *Orchestrator) record(ctx context.Context, e ledger.Entry) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(ctx, e); err != nil {
		o.logger.Warn("failed to record attempt", zap.String("request_id", e.RequestID), zap.Error(err))
	}
}
