package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errPreempted means another actor moved the run to a terminal state.
var errPreempted = errors.New("run preempted")

var errCancelRequested = fmt.Errorf("cancel requested: %w", context.Canceled)

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	// MaxParallelSteps bounds how many independent eligible steps are
	// dispatched together. 1 runs steps strictly one at a time.
	MaxParallelSteps int
	// CancelGracePeriod is how long Cancel waits for an in-flight step.
	CancelGracePeriod time.Duration
	Retry             RetryDefaults
}

// DefaultRunnerConfig returns the defaults used by NewRunner.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxParallelSteps:  1,
		CancelGracePeriod: 30 * time.Second,
		Retry:             DefaultRetryDefaults(),
	}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerConfig replaces the runner configuration.
func WithRunnerConfig(cfg RunnerConfig) RunnerOption {
	return func(r *Runner) { r.cfg = cfg }
}

// WithCompiledCache sets the cache consulted before compiling.
func WithCompiledCache(c CompiledCache) RunnerOption {
	return func(r *Runner) { r.cache = c }
}

// WithEventSink sets where run events are sent.
func WithEventSink(s EventSink) RunnerOption {
	return func(r *Runner) { r.events = s }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec RunRecorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSleeper overrides how retry delays are waited out.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(gen func() string) RunnerOption {
	return func(r *Runner) { r.newID = gen }
}

// Runner drives WorkflowRuns through their state machine. It keeps no run
// state between calls apart from the set of runs it is processing right
// now; everything else lives in the CheckpointStore.
type Runner struct {
	registry    *StageRegistry
	checkpoints CheckpointStore
	definitions DefinitionStore
	policies    PolicyStore
	cache       CompiledCache
	events      EventSink
	recorder    RunRecorder
	tracer      trace.Tracer
	gate        PolicyGate
	logger      *zap.Logger
	cfg         RunnerConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	admitMu sync.Mutex
	mu      sync.Mutex
	active  map[string]*activeRun
	wg      sync.WaitGroup
}

// NewRunner creates a runner. definitions and policies may be nil when the
// caller always supplies compiled workflows and policies to Start.
func NewRunner(registry *StageRegistry, checkpoints CheckpointStore, definitions DefinitionStore, policies PolicyStore, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		registry:    registry,
		checkpoints: checkpoints,
		definitions: definitions,
		policies:    policies,
		events:      nopSink{},
		recorder:    nopRecorder{},
		tracer:      otel.Tracer("researchflow/workflow"),
		logger:      logger.With(zap.String("component", "dag_runner")),
		cfg:         DefaultRunnerConfig(),
		now:         time.Now,
		sleep:       sleepContext,
		newID:       func() string { return uuid.NewString() },
		active:      make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.MaxParallelSteps < 1 {
		r.cfg.MaxParallelSteps = 1
	}
	return r
}

// activeRun marks a run this runner is processing.
type activeRun struct {
	mu        sync.Mutex
	cancelled bool
	inflight  map[string]StageExecutor
	stopWait  context.CancelFunc
	waitCtx   context.Context
	done      chan struct{}
}

func (a *activeRun) requestCancel() map[string]StageExecutor {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
	a.stopWait()
	out := make(map[string]StageExecutor, len(a.inflight))
	for k, v := range a.inflight {
		out[k] = v
	}
	return out
}

func (a *activeRun) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (a *activeRun) track(nodeID string, exec StageExecutor) {
	a.mu.Lock()
	a.inflight[nodeID] = exec
	a.mu.Unlock()
}

func (a *activeRun) untrack(nodeID string) {
	a.mu.Lock()
	delete(a.inflight, nodeID)
	a.mu.Unlock()
}

func (r *Runner) acquire(runID string) (*activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[runID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	waitCtx, stop := context.WithCancel(context.Background())
	ar := &activeRun{
		inflight: make(map[string]StageExecutor),
		waitCtx:  waitCtx,
		stopWait: stop,
		done:     make(chan struct{}),
	}
	r.active[runID] = ar
	return ar, nil
}

func (r *Runner) release(runID string, ar *activeRun) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
	ar.stopWait()
	close(ar.done)
}

// execution is the working copy of one run while it is being driven.
type execution struct {
	cw       *CompiledWorkflow
	policy   *WorkflowPolicy
	cp       *Checkpoint
	sched    RetrySchedule
	ar       *activeRun
	retryAt  map[string]time.Time
	handlers map[string]bool
	log      *zap.Logger
}

func (r *Runner) newExecution(cw *CompiledWorkflow, policy *WorkflowPolicy, cp *Checkpoint, ar *activeRun) *execution {
	cp.State.ensureMaps()
	handlers := make(map[string]bool)
	for i := range cw.Steps {
		for _, d := range cw.Steps[i].Inbound {
			if d.Condition == ConditionOnFailure || d.Condition == ConditionAlways {
				handlers[d.Source] = true
			}
		}
	}
	return &execution{
		cw:       cw,
		policy:   policy,
		cp:       cp,
		sched:    NewRetrySchedule(cw, r.cfg.Retry),
		ar:       ar,
		retryAt:  make(map[string]time.Time),
		handlers: handlers,
		log: r.logger.With(
			zap.String("run_id", cp.Run.RunID),
			zap.String("workflow_id", cp.Run.WorkflowID),
			zap.Int("version", cp.Run.Version),
		),
	}
}

// Start creates a run of cw and drives it until it completes, fails, is
// cancelled or stops at a gate. The returned error reports only problems
// driving the run; the run's own outcome is in its checkpoint.
func (r *Runner) Start(ctx context.Context, cw *CompiledWorkflow, policy *WorkflowPolicy) (string, error) {
	return r.start(ctx, cw, policy, true)
}

func (r *Runner) start(ctx context.Context, cw *CompiledWorkflow, policy *WorkflowPolicy, cachePlan bool) (string, error) {
	ex, err := r.create(ctx, cw, policy, cachePlan)
	if err != nil {
		return "", err
	}
	defer r.release(ex.cp.Run.RunID, ex.ar)
	return ex.cp.Run.RunID, r.drive(ctx, ex)
}

// Launch creates a run like Start but drives it in the background.
func (r *Runner) Launch(ctx context.Context, cw *CompiledWorkflow, policy *WorkflowPolicy) (string, error) {
	return r.launch(ctx, cw, policy, true)
}

func (r *Runner) launch(ctx context.Context, cw *CompiledWorkflow, policy *WorkflowPolicy, cachePlan bool) (string, error) {
	ex, err := r.create(ctx, cw, policy, cachePlan)
	if err != nil {
		return "", err
	}
	r.background(ctx, ex)
	return ex.cp.Run.RunID, nil
}

// StartWorkflow resolves the plan and policy of a stored workflow version
// and starts a run of it.
func (r *Runner) StartWorkflow(ctx context.Context, workflowID string, version int) (string, error) {
	cw, policy, err := r.resolve(ctx, workflowID, version)
	if err != nil {
		return "", err
	}
	return r.start(ctx, cw, policy, false)
}

// LaunchWorkflow is StartWorkflow driven in the background.
func (r *Runner) LaunchWorkflow(ctx context.Context, workflowID string, version int) (string, error) {
	cw, policy, err := r.resolve(ctx, workflowID, version)
	if err != nil {
		return "", err
	}
	return r.launch(ctx, cw, policy, false)
}

// Wait blocks until every background drive has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) background(ctx context.Context, ex *execution) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(ex.cp.Run.RunID, ex.ar)
		if err := r.drive(context.WithoutCancel(ctx), ex); err != nil {
			ex.log.Warn("background run stopped", zap.String("kind", string(KindOf(err))))
		}
	}()
}

// create admits and persists a new run. The plan and a copy of the policy
// are stored with it; cachePlan also offers the plan to the compiled cache
// for plans that did not come from it.
func (r *Runner) create(ctx context.Context, cw *CompiledWorkflow, policy *WorkflowPolicy, cachePlan bool) (*execution, error) {
	if cw == nil || len(cw.Steps) == 0 {
		return nil, &SchemaError{Field: "steps", Reason: "compiled workflow has no steps"}
	}
	if err := r.registry.Covers(cw); err != nil {
		return nil, err
	}

	r.admitMu.Lock()
	active, err := r.checkpoints.CountActive(ctx, cw.WorkflowID)
	if err != nil {
		r.admitMu.Unlock()
		return nil, fmt.Errorf("count active runs: %w", err)
	}
	if err := r.gate.AdmitRun(policy, cw.WorkflowID, active); err != nil {
		r.admitMu.Unlock()
		r.logger.Warn("run rejected by policy",
			zap.String("workflow_id", cw.WorkflowID),
			zap.Int("active_runs", active),
		)
		return nil, err
	}

	now := r.now()
	cp := &Checkpoint{
		Run: WorkflowRun{
			RunID:      r.newID(),
			WorkflowID: cw.WorkflowID,
			Version:    cw.Version,
			Status:     RunPending,
			StartedAt:  now,
			UpdatedAt:  now,
		},
		State:  NewRunState(),
		Plan:   cw,
		Policy: pinPolicy(policy, cw.WorkflowID),
	}
	v, err := r.checkpoints.Save(ctx, cp, 0)
	r.admitMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	cp.Version = v
	if cachePlan && r.cache != nil {
		if err := r.cache.Put(ctx, cw); err != nil {
			r.logger.Warn("compiled cache write failed", zap.String("workflow_id", cw.WorkflowID), zap.Error(err))
		}
	}

	ar, err := r.acquire(cp.Run.RunID)
	if err != nil {
		return nil, err
	}
	ex := r.newExecution(cw, cp.Policy, cp, ar)
	r.recorder.RecordRunStarted(cw.WorkflowID)
	if err := r.begin(ctx, ex); err != nil {
		r.release(cp.Run.RunID, ar)
		return nil, err
	}
	return ex, nil
}

// begin moves a PENDING run to IN_PROGRESS.
func (r *Runner) begin(ctx context.Context, ex *execution) error {
	ex.cp.State.Status = RunInProgress
	if err := r.persist(ctx, ex, true); err != nil {
		return err
	}
	ex.log.Info("run started", zap.Int("steps", len(ex.cw.Steps)))
	r.emit(ctx, ex, RunEvent{Type: EventRunStarted})
	return nil
}

// Resume continues a persisted run from its last checkpoint. Steps already
// in completedSteps are never dispatched again. A run waiting at a gate is
// left alone; it moves only through ResumeGate.
func (r *Runner) Resume(ctx context.Context, runID string) error {
	ex, err := r.reopen(ctx, runID)
	if err != nil || ex == nil {
		return err
	}
	defer r.release(runID, ex.ar)
	return r.drive(ctx, ex)
}

func (r *Runner) reopen(ctx context.Context, runID string) (*execution, error) {
	ar, err := r.acquire(runID)
	if err != nil {
		return nil, err
	}
	cp, err := r.checkpoints.Load(ctx, runID)
	if err != nil {
		r.release(runID, ar)
		return nil, err
	}
	switch st := cp.State.Status; {
	case st.Terminal():
		r.release(runID, ar)
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, st)
	case st == RunWaitingGate:
		r.release(runID, ar)
		r.logger.Debug("resume skipped, run waiting at gate",
			zap.String("run_id", runID),
			zap.String("node_id", cp.State.CurrentStep),
		)
		return nil, nil
	}

	ex, err := r.prepare(ctx, cp, ar)
	if err != nil {
		r.release(runID, ar)
		return nil, err
	}
	if cp.State.Status == RunPending {
		if err := r.begin(ctx, ex); err != nil {
			r.release(runID, ar)
			return nil, err
		}
	}
	ex.log.Info("run resumed",
		zap.Int("completed_steps", len(cp.State.CompletedSteps)),
		zap.Int64("checkpoint_version", cp.Version),
	)
	return ex, nil
}

// prepare attaches the plan and policy a loaded run was created with.
// Checkpoints written without them fall back to the stores.
func (r *Runner) prepare(ctx context.Context, cp *Checkpoint, ar *activeRun) (*execution, error) {
	cw, policy := cp.Plan, cp.Policy
	if cw == nil {
		var err error
		if cw, err = r.compiled(ctx, cp.Run.WorkflowID, cp.Run.Version); err != nil {
			return nil, err
		}
	}
	if policy == nil {
		var err error
		if policy, err = r.policy(ctx, cp.Run.WorkflowID); err != nil {
			return nil, err
		}
	}
	return r.newExecution(cw, policy, cp, ar), nil
}

// pinPolicy copies p for storage with a run. A nil policy is stored as an
// empty one, which permits everything.
func pinPolicy(p *WorkflowPolicy, workflowID string) *WorkflowPolicy {
	if p == nil {
		return &WorkflowPolicy{WorkflowID: workflowID}
	}
	pinned := *p
	pinned.AllowedStages = append([]StageType(nil), p.AllowedStages...)
	return &pinned
}

// ResumeGate records a decision for the gate a run is waiting at. Approve
// continues the run; reject fails it. Authorization of the approver is the
// caller's concern.
func (r *Runner) ResumeGate(ctx context.Context, runID string, decision GateDecision, approver string) error {
	ex, err := r.decide(ctx, runID, decision, approver)
	if err != nil || ex == nil {
		return err
	}
	defer r.release(runID, ex.ar)
	return r.drive(ctx, ex)
}

// ResumeGateAsync records the decision synchronously and drives the run in
// the background.
func (r *Runner) ResumeGateAsync(ctx context.Context, runID string, decision GateDecision, approver string) error {
	ex, err := r.decide(ctx, runID, decision, approver)
	if err != nil || ex == nil {
		return err
	}
	r.background(ctx, ex)
	return nil
}

func (r *Runner) decide(ctx context.Context, runID string, decision GateDecision, approver string) (*execution, error) {
	if decision != GateApprove && decision != GateReject {
		return nil, fmt.Errorf("invalid gate decision %q", decision)
	}
	ar, err := r.acquire(runID)
	if err != nil {
		return nil, err
	}
	cp, err := r.checkpoints.Load(ctx, runID)
	if err != nil {
		r.release(runID, ar)
		return nil, err
	}
	if cp.State.Status.Terminal() {
		r.release(runID, ar)
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, cp.State.Status)
	}
	if cp.State.Status != RunWaitingGate {
		r.release(runID, ar)
		return nil, fmt.Errorf("%w: %s is %s", ErrNotWaitingGate, runID, cp.State.Status)
	}
	ex, err := r.prepare(ctx, cp, ar)
	if err != nil {
		r.release(runID, ar)
		return nil, err
	}
	st := &ex.cp.State

	nodeID := st.CurrentStep
	if decision == GateReject {
		r.emit(ctx, ex, RunEvent{Type: EventGateRejected, NodeID: nodeID})
		err := r.fail(ctx, ex, nodeID, &GateRejectedError{NodeID: nodeID, Approver: approver})
		r.release(runID, ar)
		if errors.Is(err, errPreempted) {
			err = fmt.Errorf("%w: %s", ErrRunTerminal, runID)
		}
		return nil, err
	}

	st.Approvals[nodeID] = GateApproval{Approver: approver, ApprovedAt: r.now()}
	st.Status = RunInProgress
	st.CurrentStep = ""
	if err := r.persist(ctx, ex, true); err != nil {
		r.release(runID, ar)
		if errors.Is(err, errPreempted) {
			err = fmt.Errorf("%w: %s", ErrRunTerminal, runID)
		}
		return nil, err
	}
	ex.log.Info("gate approved", zap.String("node_id", nodeID), zap.String("approver", approver))
	r.emit(ctx, ex, RunEvent{Type: EventGateApproved, NodeID: nodeID})
	return ex, nil
}

// Cancel stops a run. If this runner is processing it, in-flight steps are
// asked to cancel and the run is given CancelGracePeriod to wind down.
// The stored checkpoint is then moved to CANCELLED unless the drive already
// did so; a run that reached another terminal status reports ErrRunTerminal.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	ar, local := r.active[runID]
	r.mu.Unlock()

	if local {
		for nodeID, exec := range ar.requestCancel() {
			if err := exec.Cancel(ctx, runID, nodeID); err != nil {
				r.logger.Warn("stage cancel hook failed",
					zap.String("run_id", runID),
					zap.String("node_id", nodeID),
					zap.String("kind", string(KindOf(err))),
				)
			}
		}
		grace := time.NewTimer(r.cfg.CancelGracePeriod)
		defer grace.Stop()
		select {
		case <-ar.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-grace.C:
			r.logger.Warn("cancel grace period elapsed", zap.String("run_id", runID))
		}
	}
	return r.cancelStored(ctx, runID)
}

func (r *Runner) cancelStored(ctx context.Context, runID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		cp, err := r.checkpoints.Load(ctx, runID)
		if err != nil {
			return err
		}
		if cp.State.Status.Terminal() {
			if cp.State.Status == RunCancelled {
				return nil
			}
			return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, cp.State.Status)
		}
		cp.State.ensureMaps()
		cp.State.Status = RunCancelled
		cp.State.Error = Sanitize(errCancelRequested, cp.State.CurrentStep, 0)
		cp.Run.Status = RunCancelled
		cp.Run.UpdatedAt = r.now()
		_, err = r.checkpoints.Save(ctx, cp, cp.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		r.recorder.RecordRunFinished(cp.Run.WorkflowID, RunCancelled, r.now().Sub(cp.Run.StartedAt))
		r.events.Emit(ctx, RunEvent{
			Type:       EventRunCancelled,
			RunID:      runID,
			WorkflowID: cp.Run.WorkflowID,
			Status:     RunCancelled,
			Error:      cp.State.Error,
			Time:       r.now(),
		})
		r.logger.Info("run cancelled", zap.String("run_id", runID))
		return nil
	}
	return fmt.Errorf("cancel %s: %w", runID, ErrVersionConflict)
}

// GetRun returns the latest checkpoint of a run.
func (r *Runner) GetRun(ctx context.Context, runID string) (*Checkpoint, error) {
	return r.checkpoints.Load(ctx, runID)
}

// resolve finds the compiled plan of a workflow version, compiling from the
// definition store on a cache miss, and its policy.
func (r *Runner) resolve(ctx context.Context, workflowID string, version int) (*CompiledWorkflow, *WorkflowPolicy, error) {
	cw, err := r.compiled(ctx, workflowID, version)
	if err != nil {
		return nil, nil, err
	}
	policy, err := r.policy(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return cw, policy, nil
}

// policy returns the stored policy of a workflow, or nil when none is set.
func (r *Runner) policy(ctx context.Context, workflowID string) (*WorkflowPolicy, error) {
	if r.policies == nil {
		return nil, nil
	}
	policy, err := r.policies.GetPolicy(ctx, workflowID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy, nil
}

func (r *Runner) compiled(ctx context.Context, workflowID string, version int) (*CompiledWorkflow, error) {
	if r.cache != nil {
		cw, err := r.cache.Get(ctx, workflowID, version)
		if err == nil {
			return cw, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			r.logger.Warn("compiled cache read failed", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	if r.definitions == nil {
		return nil, fmt.Errorf("%w: %s@%d", ErrDefinitionNotFound, workflowID, version)
	}
	def, err := r.definitions.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if def.WorkflowID == "" {
		def.WorkflowID = workflowID
	}
	if def.Version == 0 {
		def.Version = version
	}
	cw, err := Compile(def)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, cw); err != nil {
			r.logger.Warn("compiled cache write failed", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	return cw, nil
}

// drive is the step loop. The caller owns ex.ar.
func (r *Runner) drive(ctx context.Context, ex *execution) error {
	err := r.loop(ctx, ex)
	if errors.Is(err, errPreempted) {
		ex.log.Info("run finished elsewhere, stopping")
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, ex *execution) error {
	st := &ex.cp.State
	for {
		if ex.ar.isCancelled() {
			return r.finishCancelled(ctx, ex)
		}
		if st.Status != RunInProgress {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if terr := r.checkTimeout(ex); terr != nil {
			return r.fail(ctx, ex, "", terr)
		}

		skipped, ready, waiting := ex.selectSteps(r.now())
		if len(skipped) > 0 {
			if err := r.persist(ctx, ex, false); err != nil {
				return err
			}
			for _, s := range skipped {
				ex.log.Debug("step skipped", zap.String("node_id", s.NodeID))
				r.recorder.RecordStep(s.StageType, OutcomeSkipped, 0)
				r.emit(ctx, ex, RunEvent{Type: EventStepSkipped, NodeID: s.NodeID, StageType: s.StageType})
			}
		}

		if len(ready) == 0 {
			if !waiting {
				return r.complete(ctx, ex)
			}
			if err := r.waitRetry(ctx, ex); err != nil {
				return err
			}
			continue
		}

		first := ready[0]
		decision, perr := r.gate.CheckStep(ex.policy, ex.cw.WorkflowID, first)
		if perr != nil {
			return r.fail(ctx, ex, first.NodeID, perr)
		}
		_, approved := st.Approvals[first.NodeID]
		if (first.IsGate || decision.RequireGate) && !approved {
			return r.waitGate(ctx, ex, first)
		}
		if first.IsGate {
			if err := r.passGate(ctx, ex, first); err != nil {
				return err
			}
			continue
		}

		batch := r.batch(ex, ready)
		results := r.dispatch(ctx, ex, batch)
		// Successful siblings are recorded before any failure can end the run.
		for i, res := range results {
			if res.err != nil {
				continue
			}
			if stop, err := r.apply(ctx, ex, batch[i], res); stop || err != nil {
				return err
			}
		}
		for i, res := range results {
			if res.err == nil {
				continue
			}
			if stop, err := r.apply(ctx, ex, batch[i], res); stop || err != nil {
				return err
			}
		}
	}
}

// selectSteps walks the plan in order. Steps whose dependencies are all
// resolved but whose inbound conditions all fail are resolved as skipped
// immediately, which may unblock later steps in the same walk.
func (ex *execution) selectSteps(now time.Time) (skipped, ready []*CompiledStep, waiting bool) {
	st := &ex.cp.State
	for i := range ex.cw.Steps {
		s := &ex.cw.Steps[i]
		if st.IsCompleted(s.NodeID) || !ex.dependenciesResolved(s) {
			continue
		}
		if !ex.inboundSatisfied(s) {
			st.resolve(s.NodeID, OutcomeSkipped)
			skipped = append(skipped, s)
			continue
		}
		if at, ok := ex.retryAt[s.NodeID]; ok && now.Before(at) {
			waiting = true
			continue
		}
		ready = append(ready, s)
	}
	return skipped, ready, waiting
}

func (ex *execution) dependenciesResolved(s *CompiledStep) bool {
	for _, dep := range s.DependsOn {
		if !ex.cp.State.IsCompleted(dep) {
			return false
		}
	}
	return true
}

// inboundSatisfied is true for roots and for steps with at least one
// inbound edge whose condition matches its source's outcome. A skipped
// source satisfies nothing.
func (ex *execution) inboundSatisfied(s *CompiledStep) bool {
	if len(s.Inbound) == 0 {
		return true
	}
	for _, d := range s.Inbound {
		switch outcome := ex.cp.State.Outcomes[d.Source]; {
		case outcome == OutcomeSkipped:
		case d.Condition == ConditionAlways:
			return true
		case d.Condition == ConditionOnSuccess && outcome == OutcomeSucceeded:
			return true
		case d.Condition == ConditionOnFailure && outcome == OutcomeFailed:
			return true
		}
	}
	return false
}

// batch takes the leading ready steps that can be dispatched without a
// gate or policy stop, up to MaxParallelSteps.
func (r *Runner) batch(ex *execution, ready []*CompiledStep) []*CompiledStep {
	batch := []*CompiledStep{ready[0]}
	for _, s := range ready[1:] {
		if len(batch) == r.cfg.MaxParallelSteps || s.IsGate {
			break
		}
		decision, err := r.gate.CheckStep(ex.policy, ex.cw.WorkflowID, s)
		if err != nil {
			break
		}
		if _, approved := ex.cp.State.Approvals[s.NodeID]; decision.RequireGate && !approved {
			break
		}
		batch = append(batch, s)
	}
	return batch
}

type stepResult struct {
	output   json.RawMessage
	err      error
	attempt  int
	duration time.Duration
}

func (r *Runner) dispatch(ctx context.Context, ex *execution, batch []*CompiledStep) []stepResult {
	reqs := make([]StageRequest, len(batch))
	for i, s := range batch {
		reqs[i] = ex.request(s)
		r.emit(ctx, ex, RunEvent{Type: EventStepStarted, NodeID: s.NodeID, StageType: s.StageType, Attempt: reqs[i].Attempt})
	}

	results := make([]stepResult, len(batch))
	if len(batch) == 1 {
		results[0] = r.invoke(ctx, ex, reqs[0])
		return results
	}
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallelSteps)
	for i := range batch {
		g.Go(func() error {
			results[i] = r.invoke(ctx, ex, reqs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (ex *execution) request(s *CompiledStep) StageRequest {
	st := &ex.cp.State
	upstream := make(map[string]json.RawMessage, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if out, ok := st.StepOutputs[dep]; ok {
			upstream[dep] = out
		}
	}
	return StageRequest{
		RunID:           ex.cp.Run.RunID,
		WorkflowID:      ex.cw.WorkflowID,
		NodeID:          s.NodeID,
		StageType:       s.StageType,
		Config:          copyConfig(s.Config),
		UpstreamOutputs: upstream,
		Attempt:         st.Attempts[s.NodeID] + 1,
	}
}

func (r *Runner) invoke(ctx context.Context, ex *execution, req StageRequest) stepResult {
	res := stepResult{attempt: req.Attempt}
	exec, err := r.registry.Lookup(req.StageType)
	if err != nil {
		res.err = Terminal("executor_not_registered", err)
		return res
	}

	ctx, span := r.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("workflow.run_id", req.RunID),
			attribute.String("workflow.node_id", req.NodeID),
			attribute.String("workflow.stage_type", string(req.StageType)),
			attribute.Int("workflow.attempt", req.Attempt),
		),
	)
	defer span.End()

	ex.ar.track(req.NodeID, exec)
	start := r.now()
	out, err := exec.Execute(ctx, req)
	res.duration = r.now().Sub(start)
	ex.ar.untrack(req.NodeID)

	if err != nil {
		res.err = err
		span.SetStatus(codes.Error, string(KindOf(err)))
		span.SetAttributes(attribute.Bool("workflow.transient", IsTransient(err)))
		return res
	}
	res.output = normalizeOutput(out)
	return res
}

// normalizeOutput makes sure a stored output is valid JSON.
func normalizeOutput(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(out) {
		return out
	}
	quoted, _ := json.Marshal(string(out))
	return quoted
}

// apply records one dispatch result. stop reports that the loop must end.
func (r *Runner) apply(ctx context.Context, ex *execution, s *CompiledStep, res stepResult) (stop bool, err error) {
	st := &ex.cp.State
	log := ex.log.With(zap.String("node_id", s.NodeID), zap.Int("attempt", res.attempt))

	if res.err == nil {
		st.Attempts[s.NodeID] = res.attempt
		st.StepOutputs[s.NodeID] = res.output
		st.resolve(s.NodeID, OutcomeSucceeded)
		delete(ex.retryAt, s.NodeID)
		if err := r.persist(ctx, ex, false); err != nil {
			return true, err
		}
		log.Debug("step succeeded", zap.Duration("duration", res.duration))
		r.recorder.RecordStep(s.StageType, OutcomeSucceeded, res.duration)
		r.emit(ctx, ex, RunEvent{Type: EventStepSucceeded, NodeID: s.NodeID, StageType: s.StageType, Attempt: res.attempt, Duration: res.duration})
		return false, nil
	}

	// A failure caused by cancellation or shutdown is not recorded; the
	// step stays unresolved.
	if ex.ar.isCancelled() {
		return false, nil
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}

	rec := Sanitize(res.err, s.NodeID, res.attempt)
	st.Attempts[s.NodeID] = res.attempt
	if IsTransient(res.err) && ex.sched.Allows(res.attempt) {
		delay := ex.sched.Delay(res.attempt)
		ex.retryAt[s.NodeID] = r.now().Add(delay)
		if err := r.persist(ctx, ex, false); err != nil {
			return true, err
		}
		log.Warn("step failed, retrying",
			zap.String("kind", string(rec.Kind)),
			zap.String("code", rec.Code),
			zap.Duration("delay", delay),
		)
		r.recorder.RecordStepRetry(s.StageType)
		r.emit(ctx, ex, RunEvent{Type: EventStepRetrying, NodeID: s.NodeID, StageType: s.StageType, Attempt: res.attempt, Error: rec})
		return false, nil
	}

	r.recorder.RecordStep(s.StageType, OutcomeFailed, res.duration)
	if ex.handlers[s.NodeID] {
		st.resolve(s.NodeID, OutcomeFailed)
		delete(ex.retryAt, s.NodeID)
		if err := r.persist(ctx, ex, false); err != nil {
			return true, err
		}
		log.Warn("step failed, continuing on failure branch", zap.String("kind", string(rec.Kind)), zap.String("code", rec.Code))
		r.emit(ctx, ex, RunEvent{Type: EventStepFailed, NodeID: s.NodeID, StageType: s.StageType, Attempt: res.attempt, Error: rec})
		return false, nil
	}
	r.emit(ctx, ex, RunEvent{Type: EventStepFailed, NodeID: s.NodeID, StageType: s.StageType, Attempt: res.attempt, Error: rec})
	return true, r.fail(ctx, ex, s.NodeID, res.err)
}

func (r *Runner) waitRetry(ctx context.Context, ex *execution) error {
	now := r.now()
	var next time.Time
	for _, at := range ex.retryAt {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	wctx, stop := context.WithCancel(ex.ar.waitCtx)
	defer stop()
	unregister := context.AfterFunc(ctx, stop)
	defer unregister()

	err := r.sleep(wctx, next.Sub(now))
	if ex.ar.isCancelled() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Runner) checkTimeout(ex *execution) error {
	if ex.cw.TimeoutMinutes <= 0 {
		return nil
	}
	limit := time.Duration(ex.cw.TimeoutMinutes) * time.Minute
	elapsed := r.now().Sub(ex.cp.Run.StartedAt)
	if elapsed <= limit {
		return nil
	}
	return &TimeoutError{TimeoutMinutes: ex.cw.TimeoutMinutes, ElapsedMinutes: int(elapsed / time.Minute)}
}

// passGate completes an approved human_review step without an executor.
func (r *Runner) passGate(ctx context.Context, ex *execution, s *CompiledStep) error {
	st := &ex.cp.State
	approval := st.Approvals[s.NodeID]
	out, err := json.Marshal(map[string]any{
		"decision":    GateApprove,
		"approver":    approval.Approver,
		"approved_at": approval.ApprovedAt,
	})
	if err != nil {
		return err
	}
	st.Attempts[s.NodeID] = 1
	st.StepOutputs[s.NodeID] = out
	st.resolve(s.NodeID, OutcomeSucceeded)
	if err := r.persist(ctx, ex, false); err != nil {
		return err
	}
	r.recorder.RecordStep(s.StageType, OutcomeSucceeded, 0)
	r.emit(ctx, ex, RunEvent{Type: EventStepSucceeded, NodeID: s.NodeID, StageType: s.StageType, Attempt: 1})
	return nil
}

func (r *Runner) waitGate(ctx context.Context, ex *execution, s *CompiledStep) error {
	st := &ex.cp.State
	st.Status = RunWaitingGate
	st.CurrentStep = s.NodeID
	if err := r.persist(ctx, ex, true); err != nil {
		return err
	}
	ex.log.Info("run waiting at gate", zap.String("node_id", s.NodeID), zap.Bool("review_step", s.IsGate))
	r.recorder.RecordGateWaiting(ex.cw.WorkflowID)
	r.emit(ctx, ex, RunEvent{Type: EventGateWaiting, NodeID: s.NodeID, StageType: s.StageType})
	return nil
}

func (r *Runner) complete(ctx context.Context, ex *execution) error {
	st := &ex.cp.State
	st.Status = RunCompleted
	st.CurrentStep = ""
	if err := r.persist(ctx, ex, true); err != nil {
		return err
	}
	ex.log.Info("run completed", zap.Int("completed_steps", len(st.CompletedSteps)))
	r.recorder.RecordRunFinished(ex.cw.WorkflowID, RunCompleted, r.now().Sub(ex.cp.Run.StartedAt))
	r.emit(ctx, ex, RunEvent{Type: EventRunCompleted})
	return nil
}

// fail records the sanitized cause and failedStep, then moves the run to
// FAILED in the same checkpoint.
func (r *Runner) fail(ctx context.Context, ex *execution, nodeID string, cause error) error {
	st := &ex.cp.State
	st.FailedStep = nodeID
	st.Error = Sanitize(cause, nodeID, st.Attempts[nodeID])
	st.Status = RunFailed
	if nodeID != "" {
		st.CurrentStep = nodeID
	}
	if err := r.persist(ctx, ex, true); err != nil {
		return err
	}
	ex.log.Warn("run failed",
		zap.String("failed_step", nodeID),
		zap.String("kind", string(st.Error.Kind)),
		zap.String("code", st.Error.Code),
	)
	r.recorder.RecordRunFinished(ex.cw.WorkflowID, RunFailed, r.now().Sub(ex.cp.Run.StartedAt))
	r.emit(ctx, ex, RunEvent{Type: EventRunFailed, NodeID: nodeID, Error: st.Error})
	return nil
}

func (r *Runner) finishCancelled(ctx context.Context, ex *execution) error {
	st := &ex.cp.State
	st.Status = RunCancelled
	st.Error = Sanitize(errCancelRequested, st.CurrentStep, 0)
	if err := r.persist(ctx, ex, true); err != nil {
		return err
	}
	ex.log.Info("run cancelled", zap.Int("completed_steps", len(st.CompletedSteps)))
	r.recorder.RecordRunFinished(ex.cw.WorkflowID, RunCancelled, r.now().Sub(ex.cp.Run.StartedAt))
	r.emit(ctx, ex, RunEvent{Type: EventRunCancelled, Error: st.Error})
	return nil
}

// persist writes the checkpoint with an optimistic version check. When
// checkpointing is disabled only status transitions are written.
func (r *Runner) persist(ctx context.Context, ex *execution, transition bool) error {
	if !transition && !ex.cw.CheckpointEnabled {
		return nil
	}
	cp := ex.cp
	cp.Run.Status = cp.State.Status
	cp.Run.UpdatedAt = r.now()

	start := time.Now()
	v, err := r.checkpoints.Save(ctx, cp, cp.Version)
	r.recorder.RecordCheckpoint(time.Since(start), err)
	if err == nil {
		cp.Version = v
		return nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	latest, lerr := r.checkpoints.Load(ctx, cp.Run.RunID)
	if lerr == nil && latest.State.Status.Terminal() {
		return errPreempted
	}
	ex.log.Warn("checkpoint version conflict", zap.Int64("expected_version", cp.Version))
	return fmt.Errorf("save checkpoint: %w", ErrVersionConflict)
}

func (r *Runner) emit(ctx context.Context, ex *execution, ev RunEvent) {
	ev.RunID = ex.cp.Run.RunID
	ev.WorkflowID = ex.cw.WorkflowID
	ev.Status = ex.cp.State.Status
	ev.Time = r.now()
	r.events.Emit(ctx, ev)
}
