package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/runbox/internal/language"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
)

const (
	defaultMaxTimeout    = 10 * time.Minute
	defaultSubmitTimeout = 30 * time.Second
	archiveTimeout       = 5 * time.Second

	reasonCancelled = "cancelled by caller"
)

// Config tunes the controller. Zero values select defaults.
type Config struct {
	MaxConcurrent   int           // 0 = 4.
	QueueCapacity   int           // 0 = 64. Negative = no queue.
	SubmitTimeout   time.Duration // Max wait for an execution slot. 0 = 30s.
	MaxTimeout      time.Duration // Ceiling on requested timeouts. 0 = 10m.
	HistoryCapacity int
	HistoryMaxAge   time.Duration

	// AbortOnInstallFailure skips build and test after a failed install.
	AbortOnInstallFailure bool

	// Fractions of the remaining budget granted to each step. Test always
	// receives whatever is left.
	CloneFraction   float64 // 0 = 0.3.
	InstallFraction float64 // 0 = 0.5.
	BuildFraction   float64 // 0 = 0.6.

	// RepositoryImages overrides language.RepositoryImageFor.
	RepositoryImages map[string]string

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	switch {
	case c.QueueCapacity == 0:
		c.QueueCapacity = 64
	case c.QueueCapacity < 0:
		c.QueueCapacity = 0
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = defaultMaxTimeout
	}
	if c.CloneFraction <= 0 || c.CloneFraction > 1 {
		c.CloneFraction = 0.3
	}
	if c.InstallFraction <= 0 || c.InstallFraction > 1 {
		c.InstallFraction = 0.5
	}
	if c.BuildFraction <= 0 || c.BuildFraction > 1 {
		c.BuildFraction = 0.6
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Archive persists terminal results beyond the in-memory history.
type Archive interface {
	Append(ctx context.Context, r *Result) error
}

// Observer receives execution measurements. Implementations must be
// safe for concurrent use.
type Observer interface {
	ExecutionFinished(kind Kind, status Status, elapsed time.Duration)
	StepFinished(step StepName, status StepStatus, elapsed time.Duration)
}

// Deps are the controller's collaborators. Policy and Sandboxes are required.
type Deps struct {
	Policy    *security.Policy
	URLs      security.URLPolicy
	Sandboxes *sandbox.Manager
	Auditor   security.Auditor // nil = no audit trail.
	Archive   Archive          // nil = history only.
	Events    *Broker          // nil = no event stream.
	Observer  Observer         // nil = no metrics.
	Tracer    trace.Tracer     // nil = no-op.
}

// Controller orchestrates snippet and repository executions.
type Controller struct {
	cfg       Config
	policy    *security.Policy
	urls      security.URLPolicy
	sandboxes *sandbox.Manager
	auditor   security.Auditor
	archive   Archive
	events    *Broker
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger

	admission *admission
	history   *History

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// job tracks one in-flight execution.
type job struct {
	id        string
	kind      Kind
	clientKey string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	// Set before done is closed.
	result *Result
	err    error
}

// NewController creates a controller.
func NewController(cfg Config, deps Deps, logger *slog.Logger) *Controller {
	cfg.applyDefaults()
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	h := NewHistory(cfg.HistoryCapacity, cfg.HistoryMaxAge)
	h.now = cfg.Now
	return &Controller{
		cfg:       cfg,
		policy:    deps.Policy,
		urls:      deps.URLs,
		sandboxes: deps.Sandboxes,
		auditor:   deps.Auditor,
		archive:   deps.Archive,
		events:    deps.Events,
		observer:  deps.Observer,
		tracer:    tracer,
		logger:    logger,
		admission: newAdmission(cfg.MaxConcurrent, cfg.QueueCapacity),
		history:   h,
		jobs:      make(map[string]*job),
	}
}

// Events returns the controller's event broker, which may be nil.
func (c *Controller) Events() *Broker { return c.events }

// History exposes the result history.
func (c *Controller) History() *History { return c.history }

// QueueDepth returns the number of running and queued executions.
func (c *Controller) QueueDepth() (running, queued int) {
	return c.admission.depth()
}

// GetStatus returns the current record of an execution.
// Unknown and evicted IDs return ErrNotFound.
func (c *Controller) GetStatus(id string) (*Result, error) {
	r, err := c.history.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// ListHistory returns up to limit results, most recent first.
func (c *Controller) ListHistory(limit int) []*Result {
	return c.history.List(limit)
}

// Cancel stops an in-flight execution. Cancelling a finished execution is
// a no-op; unknown IDs return ErrNotFound.
func (c *Controller) Cancel(id string) (*Result, error) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	c.mu.Unlock()
	if ok {
		c.cancelJob(j)
		<-j.done
		return j.result.clone(), nil
	}
	return c.GetStatus(id)
}

func (c *Controller) cancelJob(j *job) {
	j.cancelled.Store(true)
	j.cancel()
}

// ExecuteCode runs a snippet and waits for its result. If ctx ends first the
// execution is cancelled. Rejected payloads return a result and a nil
// error; admission and provisioning failures return the result together
// with ErrOverloaded or sandbox.ErrProvisioning.
func (c *Controller) ExecuteCode(ctx context.Context, req CodeRequest) (*Result, error) {
	j, res, err := c.startCode(ctx, req)
	if err != nil || j == nil {
		return res, err
	}
	return c.await(ctx, j)
}

// StartCode submits a snippet and returns its queued record immediately.
func (c *Controller) StartCode(ctx context.Context, req CodeRequest) (*Result, error) {
	_, res, err := c.startCode(ctx, req)
	return res, err
}

// ExecuteRepository runs the repository pipeline and waits for its result.
func (c *Controller) ExecuteRepository(ctx context.Context, req RepositoryRequest) (*Result, error) {
	j, res, err := c.startRepository(ctx, req)
	if err != nil || j == nil {
		return res, err
	}
	return c.await(ctx, j)
}

// StartRepository submits a repository pipeline and returns its queued record.
func (c *Controller) StartRepository(ctx context.Context, req RepositoryRequest) (*Result, error) {
	_, res, err := c.startRepository(ctx, req)
	return res, err
}

func (c *Controller) await(ctx context.Context, j *job) (*Result, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		c.cancelJob(j)
		<-j.done
	}
	return j.result.clone(), j.err
}

func (c *Controller) startCode(ctx context.Context, req CodeRequest) (*job, *Result, error) {
	res := c.newResult(KindCode)
	res.Language = language.Normalize(req.Language)
	if req.Timeout < 0 {
		return nil, nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if !c.policy.RateLimitCheck(ctx, req.ClientKey) {
		return nil, nil, security.ErrRateLimited
	}

	verdict := c.policy.Validate(req.Code, req.Language)
	res.Digest = verdict.Digest
	res.Warnings = verdict.Warnings
	if !verdict.Allowed {
		res.Violations = verdict.Violations
		c.reject(ctx, res, req.ClientKey, verdict.Reason)
		return nil, res.clone(), nil
	}

	spec, _ := language.Lookup(verdict.Language)
	env := c.policy.EnvelopeFor(spec.Name, security.TrustSnippet)
	env.Timeout = c.clampTimeout(req.Timeout, env.Timeout)

	return c.submit(ctx, res, req.ClientKey, func(ctx context.Context, j *job, res *Result) {
		c.runCode(ctx, j, res, spec, req.Code, env)
	})
}

func (c *Controller) startRepository(ctx context.Context, req RepositoryRequest) (*job, *Result, error) {
	res := c.newResult(KindRepository)
	res.RepoURL = req.RepoURL
	if req.Timeout < 0 {
		return nil, nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	meta := req.Metadata
	if err := meta.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	res.Language = language.Normalize(meta.Language)
	if !c.policy.RateLimitCheck(ctx, req.ClientKey) {
		return nil, nil, security.ErrRateLimited
	}

	cloneURL, err := c.urls.ValidateCloneURL(ctx, req.RepoURL)
	if err != nil {
		c.reject(ctx, res, req.ClientKey, err.Error())
		return nil, res.clone(), nil
	}
	res.RepoURL = cloneURL.String()
	res.Digest = security.Digest(res.RepoURL)

	env := c.policy.EnvelopeFor(res.Language, security.TrustRepository)
	env.Timeout = c.clampTimeout(req.Timeout, env.Timeout)

	return c.submit(ctx, res, req.ClientKey, func(ctx context.Context, j *job, res *Result) {
		c.runRepository(ctx, j, res, meta, env)
	})
}

func (c *Controller) newResult(kind Kind) *Result {
	return &Result{
		ID:          uuid.NewString(),
		Kind:        kind,
		Status:      StatusQueued,
		SubmittedAt: c.cfg.Now().UTC(),
	}
}

// clampTimeout bounds a requested timeout by the system maximum.
func (c *Controller) clampTimeout(requested, fallback time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = fallback
	}
	if t > c.cfg.MaxTimeout {
		t = c.cfg.MaxTimeout
	}
	return t
}

// reject records a terminal Rejected result. No sandbox is involved.
func (c *Controller) reject(ctx context.Context, res *Result, clientKey, reason string) {
	res.Status = StatusRejected
	res.Reason = reason
	res.ExitCode = 0
	c.logger.WarnContext(ctx, "execution rejected",
		slog.String("execution_id", res.ID),
		slog.String("kind", string(res.Kind)),
		slog.String("language", res.Language),
		slog.String("reason", reason),
	)
	c.finish(ctx, res, clientKey)
}

// submit admits an execution and starts it in the background. The
// execution outlives ctx's cancellation; only Cancel or a synchronous
// caller giving up stops it. The returned result is the queued snapshot.
func (c *Controller) submit(ctx context.Context, res *Result, clientKey string, run func(context.Context, *job, *Result)) (*job, *Result, error) {
	t, err := c.admission.enqueue()
	if err != nil {
		c.logger.WarnContext(ctx, "execution queue full",
			slog.String("kind", string(res.Kind)),
			slog.Int("queue_capacity", c.cfg.QueueCapacity),
		)
		return nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{id: res.ID, kind: res.Kind, clientKey: clientKey, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.jobs[j.id] = j
	c.mu.Unlock()

	c.history.Put(res)
	c.publishStatus(res)
	queued := res.clone()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.runJob(jobCtx, t, j, res, run)
	}()
	return j, queued, nil
}

func (c *Controller) runJob(ctx context.Context, t *ticket, j *job, res *Result, run func(context.Context, *job, *Result)) {
	defer func() {
		c.mu.Lock()
		delete(c.jobs, j.id)
		c.mu.Unlock()
		j.result = res.clone()
		close(j.done)
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	err := c.admission.wait(waitCtx, t)
	cancelWait()
	if err != nil {
		if j.cancelled.Load() {
			res.Status = StatusCancelled
			res.Reason = "cancelled while queued"
		} else {
			j.err = ErrOverloaded
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("%s: no execution slot within %s", ErrOverloaded, c.cfg.SubmitTimeout)
		}
		c.finish(ctx, res, j.clientKey)
		return
	}
	defer c.admission.release()

	started := c.cfg.Now().UTC()
	res.StartedAt = &started
	res.Status = StatusRunning
	c.history.Put(res)
	c.publishStatus(res)

	func() {
		defer func() {
			if p := recover(); p != nil {
				c.logger.ErrorContext(ctx, "execution panicked",
					slog.String("execution_id", res.ID),
					slog.Any("panic", p),
				)
				res.Status = StatusFailed
				res.Reason = fmt.Sprintf("internal error: %v", p)
			}
		}()
		run(ctx, j, res)
	}()

	if j.cancelled.Load() {
		res.Status = StatusCancelled
		if res.Reason == "" {
			res.Reason = reasonCancelled
		}
	}
	c.finish(ctx, res, j.clientKey)
}

// finish stamps the terminal record and fans it out to history, audit,
// archive, metrics and subscribers.
func (c *Controller) finish(ctx context.Context, res *Result, clientKey string) {
	now := c.cfg.Now().UTC()
	res.FinishedAt = &now
	elapsed := time.Duration(0)
	if res.StartedAt != nil {
		elapsed = now.Sub(*res.StartedAt)
	}
	if res.Kind == KindRepository && res.StartedAt != nil {
		res.TotalExecutionTime = elapsed.Seconds()
	}
	c.history.Put(res)

	ctx = context.WithoutCancel(ctx)
	if c.auditor != nil {
		err := c.auditor.Record(ctx, security.AuditEvent{
			Timestamp:   now,
			ExecutionID: res.ID,
			ClientKey:   clientKey,
			Kind:        string(res.Kind),
			Language:    res.Language,
			RepoURL:     res.RepoURL,
			Digest:      res.Digest,
			Status:      string(res.Status),
			Reason:      res.Reason,
			DurationMS:  elapsed.Milliseconds(),
		})
		if err != nil {
			c.logger.WarnContext(ctx, "audit record failed", slog.String("error", err.Error()))
		}
	}
	if c.archive != nil {
		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		if err := c.archive.Append(actx, res.clone()); err != nil {
			c.logger.WarnContext(ctx, "archiving execution failed",
				slog.String("execution_id", res.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
	if c.observer != nil {
		c.observer.ExecutionFinished(res.Kind, res.Status, elapsed)
	}
	c.publishStatus(res)

	c.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", res.ID),
		slog.String("kind", string(res.Kind)),
		slog.String("status", string(res.Status)),
		slog.Duration("elapsed", elapsed),
	)
}

func (c *Controller) publishStatus(res *Result) {
	c.events.Publish(Event{
		Type:        EventStatus,
		ExecutionID: res.ID,
		Status:      res.Status,
		Reason:      res.Reason,
		Timestamp:   c.cfg.Now().UTC(),
	})
}

// acquire provisions a sandbox and records provisioning failures on res.
func (c *Controller) acquire(ctx context.Context, j *job, res *Result, lang string, env security.Envelope, opts ...sandbox.AcquireOption) *sandbox.Sandbox {
	ctx, span := c.tracer.Start(ctx, "sandbox.acquire", trace.WithAttributes(attribute.String("language", lang)))
	defer span.End()

	sb, err := c.sandboxes.Acquire(ctx, lang, env, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if j.cancelled.Load() {
			res.Status = StatusCancelled
			res.Reason = reasonCancelled
			return nil
		}
		j.err = err
		res.Status = StatusFailed
		res.Reason = err.Error()
		return nil
	}
	res.SandboxID = sb.ID
	c.history.Put(res)
	return sb
}

// release tears the sandbox down regardless of ctx, logging failures.
func (c *Controller) release(ctx context.Context, sb *sandbox.Sandbox, executionID string) {
	if err := c.sandboxes.Release(context.WithoutCancel(ctx), sb); err != nil {
		c.logger.WarnContext(ctx, "sandbox release failed",
			slog.String("execution_id", executionID),
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}
}

// runCode executes a validated snippet in a fresh sandbox.
func (c *Controller) runCode(ctx context.Context, j *job, res *Result, spec language.Spec, code string, env security.Envelope) {
	ctx, span := c.tracer.Start(ctx, "execution.code", trace.WithAttributes(
		attribute.String("execution.id", res.ID),
		attribute.String("language", spec.Name),
	))
	defer span.End()

	sb := c.acquire(ctx, j, res, spec.Name, env)
	if sb == nil {
		return
	}
	defer c.release(ctx, sb, res.ID)

	if err := c.sandboxes.InjectFiles(ctx, sb, map[string][]byte{spec.FileName: []byte(code)}); err != nil {
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("injecting source: %v", err)
		return
	}

	rr, err := c.sandboxes.Run(ctx, sb, spec.Run, sandbox.RunOptions{Timeout: env.Timeout})
	if rr != nil {
		res.Stdout = rr.Stdout
		res.Stderr = rr.Stderr
		res.ExitCode = rr.ExitCode
		res.ExecutionTime = rr.WallTime.Seconds()
		res.StdoutTruncated = rr.StdoutTruncated
		res.StderrTruncated = rr.StderrTruncated
	}
	if st, serr := c.sandboxes.Stats(ctx, sb); serr == nil {
		res.ResourceStats = &st
	}
	res.Status, res.Reason = classifyRun(rr, err, env.Timeout, j.cancelled.Load())
	if res.Status != StatusSuccess {
		span.SetStatus(codes.Error, res.Reason)
	}
}

// classifyRun maps a single command outcome to an execution status.
func classifyRun(rr *sandbox.RunResult, err error, timeout time.Duration, cancelled bool) (Status, string) {
	switch {
	case cancelled || errors.Is(err, context.Canceled):
		return StatusCancelled, reasonCancelled
	case errors.Is(err, sandbox.ErrReleased):
		return StatusTimedOut, "sandbox expired before the command finished"
	case err != nil:
		return StatusFailed, err.Error()
	case rr.TimedOut:
		return StatusTimedOut, fmt.Sprintf("execution exceeded %s timeout", timeout)
	case rr.ExitCode == 0:
		return StatusSuccess, "process exited with code 0"
	default:
		return StatusFailed, fmt.Sprintf("process exited with code %d", rr.ExitCode)
	}
}

// Shutdown cancels in-flight executions and waits for them to release
// their sandboxes, or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	for _, j := range c.jobs {
		c.cancelJob(j)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown timed out waiting for executions")
	}
}
