package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/language"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
)

const (
	repoDir = "repo"

	// maxStepOutput bounds the output kept per step log; the tail is kept.
	maxStepOutput = 16 << 10
)

// pipeline is the state of one repository execution.
type pipeline struct {
	c        *Controller
	j        *job
	res      *Result
	sb       *sandbox.Sandbox
	env      security.Envelope
	deadline time.Time
}

// runRepository drives clone, detect, install, build and test in order.
// Each step's budget is a fraction of what remains of the overall timeout,
// recomputed when the step starts.
func (c *Controller) runRepository(ctx context.Context, j *job, res *Result, meta repo.Metadata, env security.Envelope) {
	ctx, span := c.tracer.Start(ctx, "execution.repository", trace.WithAttributes(
		attribute.String("execution.id", res.ID),
		attribute.String("repository.url", res.RepoURL),
	))
	defer span.End()

	deadline := c.cfg.Now().Add(env.Timeout)
	ctx, cancel := context.WithTimeout(ctx, env.Timeout)
	defer cancel()

	lang := res.Language
	if lang == "" {
		lang = detect.Unknown
	}
	image := language.RepositoryImageFor(meta.Language, c.cfg.RepositoryImages)
	sb := c.acquire(ctx, j, res, lang, env, sandbox.WithImage(image))
	p := &pipeline{c: c, j: j, res: res, sb: sb, env: env, deadline: deadline}
	if sb == nil {
		p.skipAfter("", "sandbox unavailable")
		return
	}
	defer c.release(ctx, sb, res.ID)
	defer p.captureStats(ctx)

	p.execute(ctx, meta)
	if res.Status != StatusSuccess {
		span.SetStatus(codes.Error, res.Reason)
	}
}

func (p *pipeline) execute(ctx context.Context, meta repo.Metadata) {
	res := p.res

	clone := p.run(ctx, StepClone, p.c.cfg.CloneFraction, cloneArgs(res.RepoURL), "")
	if clone.Status == StepSuccess {
		if msg := p.checkDisk(ctx); msg != "" {
			clone.Status = StepFailed
			clone.Message = msg
		}
	}
	p.record(clone)
	if clone.Status != StepSuccess {
		if p.stopped(ctx, clone) {
			return
		}
		p.skipAfter(StepClone, "clone failed")
		res.Status = StatusFailed
		res.Reason = "clone failed: " + stepFailure(clone)
		return
	}

	det, detLog := p.detect(ctx, meta)
	p.record(detLog)
	if p.stopped(ctx, detLog) {
		return
	}

	var problems []string
	if det.Runtime == detect.Unknown {
		p.skipAfter(StepDetect, "no runtime detected")
		res.Status = StatusPartialSuccess
		res.Reason = "runtime could not be detected; nothing was installed, built or tested"
		return
	}

	steps := []struct {
		name     StepName
		fraction float64
		command  string
	}{
		{StepInstall, p.c.cfg.InstallFraction, strings.Join(det.SetupCommands, " && ")},
		{StepBuild, p.c.cfg.BuildFraction, det.BuildCommand},
		{StepTest, 1.0, det.TestCommand},
	}
	for i, s := range steps {
		log := p.commandStep(ctx, s.name, s.fraction, s.command)
		p.record(log)
		if p.stopped(ctx, log) {
			return
		}
		if log.Status != StepSuccess && log.Status != StepSkipped {
			problems = append(problems, fmt.Sprintf("%s %s", s.name, log.Status))
		} else if log.Status == StepSkipped && log.Command != "" {
			problems = append(problems, fmt.Sprintf("%s skipped: %s", s.name, log.Message))
		}
		if s.name == StepInstall && log.Status == StepFailed && p.c.cfg.AbortOnInstallFailure {
			for _, rest := range steps[i+1:] {
				p.record(p.skipped(rest.name, "install failed"))
			}
			break
		}
	}

	if len(problems) == 0 {
		res.Status = StatusSuccess
		res.Reason = "all steps succeeded"
		return
	}
	res.Status = StatusPartialSuccess
	res.Reason = strings.Join(problems, "; ")
}

// stopped ends the pipeline when the caller cancelled or the overall
// budget is gone, marking every later step Skipped.
func (p *pipeline) stopped(ctx context.Context, last StepLog) bool {
	switch {
	case p.j.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled):
		p.skipAfter(last.Step, reasonCancelled)
		p.res.Status = StatusCancelled
		p.res.Reason = reasonCancelled
		return true
	case last.Status == StepTimedOut && p.exhausted(ctx):
		p.skipAfter(last.Step, "overall timeout exceeded")
		p.res.Status = StatusTimedOut
		p.res.Reason = fmt.Sprintf("repository execution exceeded %s timeout during %s", p.env.Timeout, last.Step)
		return true
	}
	return false
}

func (p *pipeline) remaining() time.Duration {
	return p.deadline.Sub(p.c.cfg.Now())
}

func (p *pipeline) exhausted(ctx context.Context) bool {
	return p.remaining() <= 0 || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// budget is the share of the remaining time granted to the next step.
func (p *pipeline) budget(fraction float64) time.Duration {
	rem := p.remaining()
	if rem <= 0 {
		return rem
	}
	return time.Duration(float64(rem) * fraction)
}

func (p *pipeline) commandStep(ctx context.Context, name StepName, fraction float64, command string) StepLog {
	if command == "" {
		return p.skipped(name, fmt.Sprintf("no %s command detected", name))
	}
	if v := p.c.policy.ValidateCommands(command); !v.Allowed {
		log := p.skipped(name, "blocked by security policy: "+v.Reason)
		log.Command = command
		return log
	}
	return p.run(ctx, name, fraction, []string{"sh", "-c", command}, repoDir)
}

// run executes one step command under its budget. A step whose budget is
// already spent is TimedOut without running.
func (p *pipeline) run(ctx context.Context, name StepName, fraction float64, args []string, dir string) StepLog {
	budget := p.budget(fraction)
	log := StepLog{
		Step:      name,
		Timestamp: p.c.cfg.Now().UTC(),
		Command:   displayCommand(args),
		BudgetMS:  budget.Milliseconds(),
	}
	if budget <= 0 {
		log.BudgetMS = 0
		log.Status = StepTimedOut
		log.ExitCode = sandbox.ExitTimedOut
		log.Message = "no time budget left"
		return log
	}

	ctx, span := p.c.tracer.Start(ctx, "execution.step", trace.WithAttributes(
		attribute.String("step", string(name)),
		attribute.Int64("budget_ms", log.BudgetMS),
	))
	defer span.End()

	start := time.Now()
	rr, err := p.c.sandboxes.Run(ctx, p.sb, args, sandbox.RunOptions{
		Dir:     dir,
		Timeout: budget,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0", "CI": "true"},
	})
	log.DurationMS = time.Since(start).Milliseconds()
	if rr != nil {
		log.ExitCode = rr.ExitCode
		log.Stdout = tail(rr.Stdout, maxStepOutput)
		log.Stderr = tail(rr.Stderr, maxStepOutput)
		if rr.WallTime > 0 {
			log.DurationMS = rr.WallTime.Milliseconds()
		}
	}

	switch {
	case p.j.cancelled.Load() || errors.Is(err, context.Canceled):
		log.Status = StepFailed
		log.Message = reasonCancelled
	case errors.Is(err, sandbox.ErrReleased):
		log.Status = StepTimedOut
		log.ExitCode = sandbox.ExitTimedOut
		log.Message = "sandbox expired during step"
	case err != nil:
		log.Status = StepFailed
		log.Message = err.Error()
	case rr.TimedOut:
		log.Status = StepTimedOut
		log.ExitCode = sandbox.ExitTimedOut
		log.Message = fmt.Sprintf("exceeded %s step budget", budget.Round(time.Millisecond))
	case rr.ExitCode == 0:
		log.Status = StepSuccess
	default:
		log.Status = StepFailed
		log.Message = fmt.Sprintf("exited with code %d", rr.ExitCode)
	}
	if log.Status != StepSuccess {
		span.SetStatus(codes.Error, log.Message)
	}
	return log
}

// detect reads the cloned tree and runs the runtime detector. Listing
// failures are recorded but never abort the pipeline.
func (p *pipeline) detect(ctx context.Context, meta repo.Metadata) (detect.Result, StepLog) {
	log := StepLog{Step: StepDetect, Timestamp: p.c.cfg.Now().UTC()}
	rem := p.remaining()
	log.BudgetMS = max(rem.Milliseconds(), 0)
	if rem <= 0 {
		log.Status = StepTimedOut
		log.ExitCode = sandbox.ExitTimedOut
		log.Message = "no time budget left"
		return detect.Result{Runtime: detect.Unknown}, log
	}

	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, rem)
	files, err := p.c.sandboxes.Files(lctx, p.sb, repoDir, sandbox.ReadLimits{})
	cancel()
	det := detect.Detect(files, meta.Hint())
	log.DurationMS = time.Since(start).Milliseconds()
	log.Detection = &det
	log.Status = StepSuccess
	log.Message = fmt.Sprintf("runtime %s (confidence %.2f)", det.Runtime, det.Confidence)
	if det.Runtime == detect.Unknown {
		log.Message = "no runtime detected"
	}
	if err != nil {
		log.Status = StepFailed
		log.Message = fmt.Sprintf("reading repository: %v; %s", err, log.Message)
	}
	if det.Runtime != detect.Unknown && p.res.Language == "" {
		p.res.Language = det.Runtime
	}
	return det, log
}

// checkDisk reports a message when the cloned tree exceeds the disk quota.
func (p *pipeline) checkDisk(ctx context.Context) string {
	st, err := p.c.sandboxes.Stats(ctx, p.sb)
	if err != nil || p.env.DiskMB <= 0 {
		return ""
	}
	if st.DiskBytes > p.env.DiskBytes() {
		return fmt.Sprintf("repository uses %d bytes, over the %d MB disk quota", st.DiskBytes, p.env.DiskMB)
	}
	return ""
}

func (p *pipeline) captureStats(ctx context.Context) {
	st, err := p.c.sandboxes.Stats(context.WithoutCancel(ctx), p.sb)
	if err == nil {
		p.res.ResourceStats = &st
	}
}

func (p *pipeline) skipped(name StepName, reason string) StepLog {
	return StepLog{Step: name, Status: StepSkipped, Timestamp: p.c.cfg.Now().UTC(), Message: reason}
}

// skipAfter records every step after last as Skipped. An empty last skips all.
func (p *pipeline) skipAfter(last StepName, reason string) {
	after := last == ""
	for _, s := range pipelineSteps {
		if after {
			p.record(p.skipped(s, reason))
		}
		if s == last {
			after = true
		}
	}
}

// record appends a step log and publishes it.
func (p *pipeline) record(log StepLog) {
	p.res.Logs = append(p.res.Logs, log)
	p.c.history.Put(p.res)
	if p.c.observer != nil {
		p.c.observer.StepFinished(log.Step, log.Status, time.Duration(log.DurationMS)*time.Millisecond)
	}
	p.c.events.Publish(Event{
		Type:        EventStep,
		ExecutionID: p.res.ID,
		Status:      p.res.Status,
		Step:        &log,
		Timestamp:   log.Timestamp,
	})
}

func cloneArgs(url string) []string {
	return []string{
		"git", "-c", "protocol.file.allow=never", "-c", "core.hooksPath=/dev/null",
		"clone", "--depth", "1", "--no-tags", "--single-branch", "--", url, repoDir,
	}
}

func displayCommand(args []string) string {
	if len(args) == 3 && args[0] == "sh" && args[1] == "-c" {
		return args[2]
	}
	return strings.Join(args, " ")
}

func stepFailure(log StepLog) string {
	if log.Message != "" {
		return log.Message
	}
	return string(log.Status)
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "...[truncated]\n" + s[len(s)-n:]
}
