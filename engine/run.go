package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"conductor/core"
	"conductor/dispatch"
	"conductor/event"
	"conductor/graph"
	"conductor/logging"
	"conductor/policy"
	"conductor/store"
	"conductor/termination"
	"conductor/trajectory"
	"conductor/workflow"
)

// loopOutcome is the execute phase's answer to the lifecycle driver.
type loopOutcome int

const (
	loopRunning loopOutcome = iota
	// loopTerminal means the run already reached a terminal state.
	loopTerminal
	// loopReplan means a stall verdict asks for a re-planning pass.
	loopReplan
	// loopReview means the graph completed and the run moves to review.
	loopReview
)

// Pseudo node IDs for the run-level sign-offs.
const (
	approvalNodePlan    = "plan"
	approvalNodeDeliver = "deliver"
)

// Approval answer sources, recorded in the audit trail.
const (
	approvalSourceHuman   = "human"
	approvalSourcePolicy  = "policy"
	approvalSourceTimeout = "timeout"
	approvalSourceReplay  = "replay"
)

type approvalAnswer struct {
	nodeID  string
	approve bool
	source  string
}

// replayConfig reroutes the runner's nondeterministic inputs to recorded
// values so a replayed run re-derives every decision from the same facts.
type replayConfig struct {
	startedAt time.Time
	// timestamps maps a sequence number to the originally recorded step time.
	timestamps map[uint64]time.Time
	// order is the recorded node ID per sequence number, in sequence order.
	// It drives replay's dispatch order: the original pool settles branches
	// in completion order, which the deterministic ready order need not match.
	order []string
	// answers serves recorded approval resolutions per pseudo/node ID in
	// recorded order.
	answers func(nodeID string) (bool, bool)
}

// runner drives one run through its lifecycle. All state behind mu is the
// run-level exclusive section; the loop goroutine is its main writer, with
// approval callbacks entering through the answer channel.
type runner struct {
	st       store.Store
	recorder *trajectory.Recorder
	bus      *event.Bus
	log      *core.LoggerAdapter
	runLog   *logging.RunLogger
	opts     Options

	task     core.Task
	registry *workflow.Registry
	replay   *replayConfig

	ctx        context.Context
	cancelCtx  context.CancelFunc
	dispatcher *dispatch.Dispatcher
	approvalQ  chan approvalAnswer
	finished   chan struct{}

	mu              sync.Mutex
	run             *core.Run
	graph           *graph.Graph
	counters        *core.Counters
	eval            *termination.Evaluator
	outcome         loopOutcome
	goalMet         bool
	goalPrimitive   string
	replans         int
	stepsRecorded   uint64
	lastSuccess     string
	budgetWarned    bool
	feedback        map[string]string
	decisions       map[dispatch.Key]*core.PolicyDecision
	nodeDecisions   map[string]*core.PolicyDecision
	approvedNodes   map[string]bool
	pendingApproval map[string]bool
	approvalTimers  map[string]*time.Timer
	workerRaised    map[string]bool
	nodeFailCause   map[string]string
	pendingItems    []core.WorkItem
}

func newRunner(e *Engine, run *core.Run, task core.Task, g *graph.Graph, worker core.Worker, replay *replayConfig) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		st:       e.store,
		recorder: e.recorder,
		bus:      e.bus,
		log:      e.LoggerAdapter,
		runLog:   e.opts.RunLog.WithRun(run.ID, ""),
		opts:     e.opts,
		task:     task,
		registry: e.registry,
		replay:   replay,

		ctx:       ctx,
		cancelCtx: cancel,
		approvalQ: make(chan approvalAnswer, 16),
		finished:  make(chan struct{}),

		run:             run,
		graph:           g,
		counters:        core.NewCounters(),
		eval:            termination.NewEvaluator(task.Termination, e.registry),
		feedback:        make(map[string]string),
		decisions:       make(map[dispatch.Key]*core.PolicyDecision),
		nodeDecisions:   make(map[string]*core.PolicyDecision),
		approvedNodes:   make(map[string]bool),
		pendingApproval: make(map[string]bool),
		approvalTimers:  make(map[string]*time.Timer),
		workerRaised:    make(map[string]bool),
		nodeFailCause:   make(map[string]string),
	}
	if worker == nil {
		worker = e.registry
	}
	r.dispatcher = dispatch.New(worker,
		dispatch.WithMaxInFlight(e.opts.MaxInFlight),
		dispatch.WithStepTimeout(e.opts.StepTimeout),
		dispatch.WithLogger(e.opts.Logger),
	)
	return r
}

// loop is the lifecycle driver: Planning, optional plan sign-off, Executing
// (with bounded re-planning), Reviewing (with bounded revision) and
// Delivering.
func (r *runner) loop() {
	defer close(r.finished)
	defer r.dispatcher.Close()

	if !r.lockedTransition(core.RunPlanning, "task accepted") {
		return
	}
	if !r.planGate() {
		return
	}
	r.phases()
}

// resumeLoop re-enters the lifecycle at the state the run was interrupted
// in. Completed phases are re-derived from the restored graph rather than
// replayed from the record.
func (r *runner) resumeLoop() {
	defer close(r.finished)
	defer r.dispatcher.Close()

	r.mu.Lock()
	st := r.run.State
	switch st {
	case core.RunAwaitingApproval:
		// The pending sign-off request died with the process; ask again.
		r.run.State = core.RunPlanning
	case core.RunReviewing, core.RunDelivering:
		// The restored graph is already settled; the phase loop re-derives
		// review and delivery from it.
		r.run.State = core.RunExecuting
	}
	r.mu.Unlock()

	if st == core.RunCreated {
		if !r.lockedTransition(core.RunPlanning, "resumed") {
			return
		}
		st = core.RunPlanning
	}
	if st == core.RunPlanning || st == core.RunAwaitingApproval {
		if !r.planGate() {
			return
		}
	}
	r.phases()
}

// phases alternates Executing with its re-planning and review exits until the
// run reaches a terminal state.
func (r *runner) phases() {
	for {
		switch r.execute() {
		case loopTerminal:
			return
		case loopReplan:
			if !r.replanPass() {
				return
			}
		case loopReview:
			switch r.review() {
			case reviewDeliver:
				r.deliver()
				return
			case reviewRevise:
				continue
			default:
				return
			}
		default:
			return
		}
	}
}

// planGate evaluates the plan action and routes through AwaitingApproval
// when the autonomy level demands sign-off. Returns false when the run ended.
func (r *runner) planGate() bool {
	r.mu.Lock()
	snapshot := r.counters.Snapshot()
	r.mu.Unlock()

	action := core.ProposedAction{RunID: r.run.ID, NodeID: approvalNodePlan, Class: core.ActionPlan}
	decision := policy.Evaluate(action, r.task.Autonomy, snapshot, r.task.Safety)
	r.publishDecision(approvalNodePlan, decision)

	switch decision.Verdict {
	case core.VerdictDeny:
		r.mu.Lock()
		r.failLocked(causeFor(decision), decision.Reason, decision.Facts.MatchedRule)
		r.mu.Unlock()
		return false
	case core.VerdictRequireApproval:
		if !r.lockedTransition(core.RunAwaitingApproval, "plan requires sign-off") {
			return false
		}
		approved, resolved := r.awaitApproval(approvalNodePlan, &decision)
		if !resolved {
			r.finalizeCancel()
			return false
		}
		if !approved {
			r.mu.Lock()
			r.failLocked("approval_denied", "plan sign-off denied", policy.RuleAutonomy)
			r.mu.Unlock()
			return false
		}
		return r.lockedTransition(core.RunExecuting, "plan approved")
	default:
		return r.lockedTransition(core.RunExecuting, "plan auto-approved")
	}
}

// execute pumps dispatch results and approval answers through the exclusive
// section until the run settles.
func (r *runner) execute() loopOutcome {
	r.pump(func() {
		r.dispatchReady()
		r.checkSettled()
	})
	for {
		r.mu.Lock()
		out := r.outcome
		r.mu.Unlock()
		if out != loopRunning {
			return out
		}

		select {
		case res := <-r.dispatcher.Results():
			r.pump(func() {
				r.handleResult(res)
				r.dispatchReady()
				r.checkSettled()
			})
		case ans := <-r.approvalQ:
			r.pump(func() {
				r.applyApproval(ans)
				r.dispatchReady()
				r.checkSettled()
			})
		case <-r.ctx.Done():
			r.finalizeCancel()
			return loopTerminal
		}
	}
}

// pump runs fn inside the exclusive section, then enqueues any work items fn
// staged. Enqueueing happens outside the lock so a saturated pool can drain
// without deadlocking the result path.
func (r *runner) pump(fn func()) {
	r.mu.Lock()
	fn()
	items := r.pendingItems
	r.pendingItems = nil
	r.mu.Unlock()
	for _, item := range items {
		if err := r.dispatcher.Enqueue(r.ctx, item); err != nil {
			r.runLog.ErrorWithStack(err, "enqueue failed for node %s", item.NodeID)
		}
	}
}

// dispatchReady gates every ready node and stages allowed ones for dispatch.
// Caller holds the exclusive section.
func (r *runner) dispatchReady() {
	if r.outcome != loopRunning || r.goalMet || r.run.State != core.RunExecuting {
		return
	}
	ready := r.graph.Ready()
	if r.replay != nil {
		r.replay.sortReady(ready, r.stepsRecorded)
	}
	for _, node := range ready {
		if r.outcome != loopRunning {
			return
		}
		if r.approvedNodes[node.ID] {
			// One dispatch per grant: later attempts and iterations go back
			// through the gate with fresh counters.
			delete(r.approvedNodes, node.ID)
			decision := r.nodeDecisions[node.ID]
			delete(r.nodeDecisions, node.ID)
			r.stageDispatch(node, decision)
			continue
		}
		action := actionForNode(r.run.ID, node)
		decision := policy.Evaluate(action, r.task.Autonomy, r.counters.Snapshot(), r.task.Safety)
		r.publishDecision(node.ID, decision)

		switch decision.Verdict {
		case core.VerdictDeny:
			r.denyNode(node, decision)
		case core.VerdictRequireApproval:
			dec := decision
			r.nodeDecisions[node.ID] = &dec
			if err := r.graph.MarkDispatched(node.ID); err != nil {
				continue
			}
			if err := r.graph.MarkAwaitingApproval(node.ID); err != nil {
				continue
			}
			r.requestApproval(node.ID)
		default:
			dec := decision
			r.stageDispatch(node, &dec)
		}
	}
}

// stageDispatch moves a ready node to dispatched and stages its work item.
func (r *runner) stageDispatch(node *core.Node, decision *core.PolicyDecision) {
	if node.Status == core.NodeReady {
		if err := r.graph.MarkDispatched(node.ID); err != nil {
			return
		}
	}
	item := core.WorkItem{
		RunID:        r.run.ID,
		NodeID:       node.ID,
		Attempt:      node.Attempts,
		Mode:         node.Mode,
		Instructions: r.task.Instructions,
		Params:       node.Params,
		Inputs:       r.graph.Inputs(node.ID),
		Feedback:     r.feedback[node.ID],
	}
	r.decisions[dispatch.KeyOf(item)] = decision
	r.pendingItems = append(r.pendingItems, item)
	r.publish(core.EventStepDispatched, map[string]any{
		"node_id": node.ID,
		"attempt": node.Attempts,
		"mode":    node.Mode,
	})
}

// denyNode records a policy trajectory entry and fails the node, or the
// whole run when a budget-class rule matched. Write-then-transition: the
// entry is durable before any state changes.
func (r *runner) denyNode(node *core.Node, decision core.PolicyDecision) {
	dec := decision
	obs := core.Observation{Status: core.ObservationFailed, Error: decision.Reason}
	step, err := r.recordStep(core.Step{
		Kind:        core.StepPolicy,
		NodeID:      node.ID,
		Attempt:     node.Attempts + 1,
		Observation: obs,
		Decision:    &dec,
	})
	if err != nil {
		r.failLocked("infrastructure", err.Error(), "")
		return
	}
	r.counters.RecordStep(0, 0)
	r.run.Counters = r.counters.Snapshot()
	r.nodeFailCause[node.ID] = "policy_denied"

	if budgetRule(decision.Facts.MatchedRule) {
		r.publish(core.EventStepFailed, map[string]any{"node_id": node.ID, "reason": decision.Reason})
		r.failLocked("budget_exceeded", decision.Reason, decision.Facts.MatchedRule)
		return
	}
	if err := r.graph.Complete(node.ID, obs); err != nil {
		r.log.LogWarn("completing denied node", "run_id", r.run.ID, "node_id", node.ID, "error", err)
	}
	r.publish(core.EventStepFailed, map[string]any{"node_id": node.ID, "reason": decision.Reason})
	r.observeTermination(step, true)
}

// handleResult applies one settled work item. Duplicate or stale results
// (earlier attempts, rebuilt graphs) are ignored. Caller holds the
// exclusive section.
func (r *runner) handleResult(res dispatch.Result) {
	if r.outcome != loopRunning || r.run.State != core.RunExecuting {
		return
	}
	node, ok := r.graph.Node(res.Item.NodeID)
	if !ok || node.Status != core.NodeDispatched || node.Attempts != res.Item.Attempt {
		return
	}

	obs := res.Observation
	if res.Err != nil {
		obs = core.Observation{Status: core.ObservationFailed, Error: res.Err.Error()}
	}

	if obs.Status == core.ObservationNeedsApproval {
		key := dispatch.KeyOf(res.Item)
		decision := r.decisions[key]
		delete(r.decisions, key)
		if _, err := r.recordStep(core.Step{
			Kind:        core.StepExecution,
			NodeID:      node.ID,
			Attempt:     res.Item.Attempt,
			InputsHash:  trajectory.HashInputs(res.Item),
			Observation: obs,
			Decision:    decision,
			Cost:        obs.Cost,
			Duration:    res.Duration,
		}); err != nil {
			r.failLocked("infrastructure", err.Error(), "")
			return
		}
		r.counters.RecordStep(obs.Cost, 0)
		r.run.Counters = r.counters.Snapshot()
		if err := r.graph.MarkAwaitingApproval(node.ID); err != nil {
			return
		}
		r.nodeDecisions[node.ID] = decision
		r.workerRaised[node.ID] = true
		r.requestApproval(node.ID)
		return
	}

	if obs.Status == core.ObservationSucceeded && len(node.OutputKeys) > 0 {
		if missing := missingOutputs(node.OutputKeys, obs.Values); len(missing) > 0 {
			vErr := &core.SchemaValidationError{NodeID: node.ID, Missing: missing}
			obs = core.Observation{
				Status:       core.ObservationFailed,
				Payload:      obs.Payload,
				Cost:         obs.Cost,
				FilesChanged: obs.FilesChanged,
				Error:        vErr.Error(),
			}
		}
	}

	key := dispatch.KeyOf(res.Item)
	decision := r.decisions[key]
	delete(r.decisions, key)

	step, err := r.recordStep(core.Step{
		Kind:        core.StepExecution,
		NodeID:      node.ID,
		Attempt:     res.Item.Attempt,
		InputsHash:  trajectory.HashInputs(res.Item),
		Observation: obs,
		Decision:    decision,
		Cost:        obs.Cost,
		Duration:    res.Duration,
	})
	if err != nil {
		r.failLocked("infrastructure", err.Error(), "")
		return
	}
	r.counters.RecordStep(obs.Cost, obs.FilesChanged)
	r.run.Counters = r.counters.Snapshot()
	r.warnBudget()

	advanced := true
	if obs.Status == core.ObservationFailed && node.Attempts < node.MaxAttempts {
		// Retry with the failure fed back as context.
		if err := r.graph.Retry(node.ID); err == nil {
			r.feedback[node.ID] = obs.Error
			advanced = false
		}
	}
	if advanced {
		if err := r.graph.Complete(node.ID, obs); err != nil {
			r.log.LogWarn("completing node", "run_id", r.run.ID, "node_id", node.ID, "error", err)
		}
		if obs.Status == core.ObservationSucceeded {
			r.lastSuccess = node.ID
		}
	}
	r.runLog.LogDispatch(node.ID, res.Item.Attempt, res.Duration, obs.Status == core.ObservationSucceeded, res.Err)
	typ := core.EventStepSucceeded
	if obs.Status == core.ObservationFailed {
		typ = core.EventStepFailed
	}
	r.publish(typ, map[string]any{
		"node_id": node.ID,
		"attempt": res.Item.Attempt,
		"cost":    obs.Cost,
		"status":  string(obs.Status),
	})

	r.observeTermination(step, advanced)
}

// observeTermination feeds a recorded step to the evaluator and applies the
// verdict. Caller holds the exclusive section.
func (r *runner) observeTermination(step core.Step, advanced bool) {
	if r.outcome != loopRunning {
		return
	}
	started := r.run.CreatedAt
	if r.run.StartedAt != nil {
		started = *r.run.StartedAt
	}
	verdict := r.eval.Observe(termination.Input{
		Counters:     r.counters.Snapshot(),
		Elapsed:      step.Timestamp.Sub(started),
		Step:         step,
		NodeAdvanced: advanced,
	})
	switch verdict.Kind {
	case termination.VerdictFail:
		r.failLocked("termination", verdict.Reason, verdict.Primitive)
	case termination.VerdictComplete:
		r.goalMet = true
		r.goalPrimitive = verdict.Primitive
	case termination.VerdictReplan:
		r.publish(core.EventStallWarning, map[string]any{"primitive": verdict.Primitive, "reason": verdict.Reason})
		r.outcome = loopReplan
	}
}

// checkSettled decides whether the execute phase is over. Caller holds the
// exclusive section.
func (r *runner) checkSettled() {
	if r.outcome != loopRunning || r.run.State != core.RunExecuting {
		return
	}
	if r.goalMet {
		r.outcome = loopReview
		return
	}
	if member, exhausted := r.graph.ExhaustedCycle(); exhausted {
		r.failLocked("max_iterations", fmt.Sprintf("cycle containing node %s exhausted its iteration bound", member), "max_iterations")
		return
	}
	if r.graph.Done() {
		if failed := r.graph.FailedRequired(); len(failed) > 0 {
			node := failed[0]
			cause := r.nodeFailCause[node.ID]
			if cause == "" {
				cause = "node_execution_error"
			}
			obs, _ := r.graph.Observation(node.ID)
			r.failLocked(cause, obs.Error, node.ID)
			return
		}
		r.outcome = loopReview
		return
	}
	if r.graph.Stuck() && len(r.pendingApproval) == 0 {
		// Activation deadlock with nothing in flight: route through the
		// re-planning path rather than hanging.
		r.publish(core.EventStallWarning, map[string]any{"reason": "activation deadlock"})
		r.outcome = loopReplan
	}
}

// replanPass cycles Executing -> Planning -> Executing with a fresh graph.
// Returns false when the run ended instead.
func (r *runner) replanPass() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replans >= r.opts.MaxReplans {
		r.failLocked("stall", "re-planning budget exhausted", "stall_detected")
		return false
	}
	r.replans++
	if !r.transitionLocked(core.RunPlanning, "insufficient progress") {
		return false
	}
	g, err := graph.Build(r.task.Workflow, r.registry)
	if err != nil {
		r.failLocked("infrastructure", err.Error(), "")
		return false
	}
	r.resetForNewGraph(g)
	r.run.CurrentPlan++
	return r.transitionLocked(core.RunExecuting, "re-planned")
}

func (r *runner) resetForNewGraph(g *graph.Graph) {
	r.graph = g
	r.outcome = loopRunning
	r.goalMet = false
	r.feedback = make(map[string]string)
	r.decisions = make(map[dispatch.Key]*core.PolicyDecision)
	r.nodeDecisions = make(map[string]*core.PolicyDecision)
	r.approvedNodes = make(map[string]bool)
	r.pendingApproval = make(map[string]bool)
	for id, t := range r.approvalTimers {
		t.Stop()
		delete(r.approvalTimers, id)
	}
	r.workerRaised = make(map[string]bool)
	r.nodeFailCause = make(map[string]string)
	r.pendingItems = nil
}

type reviewVerdict int

const (
	reviewDeliver reviewVerdict = iota
	reviewRevise
	reviewFailed
)

// review gates the Reviewing transition on the configured quality checks and
// either clears the run for delivery, sends it back for a bounded revision
// pass, or fails it.
func (r *runner) review() reviewVerdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason := "graph complete"
	if r.goalMet {
		reason = "goal condition satisfied"
	}
	if !r.transitionLocked(core.RunReviewing, reason) {
		return reviewFailed
	}
	if ok, detail := r.reviewPassed(); !ok {
		r.run.ReviewPass++
		if r.run.ReviewPass > r.opts.MaxReviewPasses {
			r.failLocked("review_failed", detail, "")
			return reviewFailed
		}
		if !r.transitionLocked(core.RunExecuting, "revision requested: "+detail) {
			return reviewFailed
		}
		g, err := graph.Build(r.task.Workflow, r.registry)
		if err != nil {
			r.failLocked("infrastructure", err.Error(), "")
			return reviewFailed
		}
		r.resetForNewGraph(g)
		for _, node := range g.Nodes() {
			r.feedback[node.ID] = "review rejected previous result: " + detail
		}
		return reviewRevise
	}
	return reviewDeliver
}

// reviewPassed checks require_tests_pass / require_lint_pass against the
// structured outputs the graph produced. A required signal that no node
// reported counts as a failure: absence of evidence is not evidence.
func (r *runner) reviewPassed() (bool, string) {
	if r.task.Safety.RequireTestsPass {
		if ok, found := r.resultFlag("tests_passed"); !found {
			return false, "tests_passed was required but never reported"
		} else if !ok {
			return false, "tests_passed reported false"
		}
	}
	if r.task.Safety.RequireLintPass {
		if ok, found := r.resultFlag("lint_passed"); !found {
			return false, "lint_passed was required but never reported"
		} else if !ok {
			return false, "lint_passed reported false"
		}
	}
	return true, ""
}

// resultFlag scans node results in declaration order for a boolean value.
// The last reporting node wins, letting a late verifier override.
func (r *runner) resultFlag(key string) (value, found bool) {
	for _, node := range r.graph.Nodes() {
		obs, ok := r.graph.Observation(node.ID)
		if !ok {
			continue
		}
		if v, ok := obs.Values[key].(bool); ok {
			value, found = v, true
		}
	}
	return value, found
}

// deliver gates and performs the delivery transition, then completes the
// run.
func (r *runner) deliver() {
	if !r.lockedTransition(core.RunDelivering, "review passed") {
		return
	}
	r.mu.Lock()
	snapshot := r.counters.Snapshot()
	r.mu.Unlock()

	action := core.ProposedAction{
		RunID:  r.run.ID,
		NodeID: approvalNodeDeliver,
		Class:  core.ActionDelivery,
		Branch: deliveryBranch(r.task.Repository),
	}
	decision := policy.Evaluate(action, r.task.Autonomy, snapshot, r.task.Safety)
	r.publishDecision(approvalNodeDeliver, decision)

	switch decision.Verdict {
	case core.VerdictDeny:
		r.mu.Lock()
		r.failLocked(causeFor(decision), decision.Reason, decision.Facts.MatchedRule)
		r.mu.Unlock()
		return
	case core.VerdictRequireApproval:
		approved, resolved := r.awaitApproval(approvalNodeDeliver, &decision)
		if !resolved {
			r.finalizeCancel()
			return
		}
		if !approved {
			r.mu.Lock()
			r.failLocked("approval_denied", "delivery sign-off denied", policy.RuleAutonomy)
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.run.Outcome = &core.Outcome{
		Cause:              "completed",
		Primitive:          r.goalPrimitive,
		LastSuccessfulNode: r.lastSuccess,
	}
	r.transitionLocked(core.RunCompleted, "delivered")
	r.mu.Unlock()
}

// failLocked terminates the run as Failed with a structured outcome. Caller
// holds the exclusive section; failing an already-terminal run is a no-op.
func (r *runner) failLocked(cause, detail, primitive string) {
	if r.run.State.Terminal() {
		return
	}
	r.run.Outcome = &core.Outcome{
		Cause:              cause,
		Detail:             detail,
		Primitive:          primitive,
		LastSuccessfulNode: r.lastSuccess,
	}
	r.run.LastError = detail
	r.transitionLocked(core.RunFailed, cause)
	if r.task.Safety.RollbackOnFailure {
		r.publish(core.EventRollbackRequested, map[string]any{
			"cause":                cause,
			"last_successful_node": r.lastSuccess,
		})
	}
	r.outcome = loopTerminal
	r.cancelCtx()
}

func (r *runner) finalizeCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.State.Terminal() {
		return
	}
	r.run.Outcome = &core.Outcome{Cause: "cancelled", LastSuccessfulNode: r.lastSuccess}
	r.transitionLocked(core.RunCancelled, "cancel requested")
	r.outcome = loopTerminal
}

// transitionLocked applies one lifecycle transition, persists the run and
// broadcasts it. Caller holds the exclusive section.
func (r *runner) transitionLocked(to core.RunState, reason string) bool {
	from := r.run.State
	if !from.CanTransition(to) {
		r.log.LogWarn("illegal transition refused", "run_id", r.run.ID, "from", string(from), "to", string(to))
		return false
	}
	r.run.State = to
	now := r.now()
	if to == core.RunExecuting && r.run.StartedAt == nil {
		start := now
		if r.replay != nil {
			start = r.replay.startedAt
		}
		r.run.StartedAt = &start
	}
	if to.Terminal() {
		end := now
		r.run.EndedAt = &end
	}
	r.persistRunLocked()
	r.publish(core.EventRunTransition, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
	r.runLog.LogTransition(string(from), string(to), reason)
	return true
}

// persistRunLocked snapshots the graph into the run record and saves it, so a
// restarted process can rehydrate scheduling state. Caller holds the
// exclusive section.
func (r *runner) persistRunLocked() {
	if state, err := json.Marshal(r.graph.Snapshot()); err == nil {
		r.run.GraphState = state
	}
	if err := r.st.SaveRun(context.Background(), r.run); err != nil {
		r.log.LogError("persisting run", "run_id", r.run.ID, "error", err)
	}
}

func (r *runner) lockedTransition(to core.RunState, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to, reason)
}

// recordStep stamps, sequences and durably appends one trajectory entry.
// Caller holds the exclusive section. The append happens before any state
// transition the entry describes.
func (r *runner) recordStep(step core.Step) (core.Step, error) {
	step.RunID = r.run.ID
	r.stepsRecorded++
	step.Timestamp = r.stepTime(r.stepsRecorded)
	recorded, err := r.recorder.Record(context.Background(), step)
	if err != nil {
		return core.Step{}, err
	}
	r.run.NextSeq = recorded.Seq
	r.persistRunLocked()
	return recorded, nil
}

// stepTime returns the timestamp for the step about to take sequence seq.
// Replay reuses the recorded timestamps so elapsed-time primitives evaluate
// against the original clock.
func (r *runner) stepTime(seq uint64) time.Time {
	if r.replay != nil {
		if ts, ok := r.replay.timestamps[seq]; ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func (r *runner) now() time.Time {
	return time.Now().UTC()
}

func (r *runner) warnBudget() {
	limit := r.task.Safety.BudgetHardLimit
	if limit <= 0 || r.budgetWarned {
		return
	}
	if snap := r.counters.Snapshot(); snap.Cost >= 0.8*limit {
		r.budgetWarned = true
		r.publish(core.EventBudgetWarning, map[string]any{
			"cost":  snap.Cost,
			"limit": limit,
		})
	}
}

func (r *runner) publish(typ core.EventType, payload map[string]any) {
	r.bus.Publish(core.NewEvent(r.run.ID, typ, payload))
}

func (r *runner) publishDecision(nodeID string, decision core.PolicyDecision) {
	r.bus.Publish(core.NewEvent(r.run.ID, core.EventPolicyDecision, map[string]any{
		"node_id": nodeID,
		"verdict": string(decision.Verdict),
		"rule":    decision.Facts.MatchedRule,
		"reason":  decision.Reason,
	}))
	r.runLog.WithRun(r.run.ID, nodeID).LogPolicyDecision(
		string(decision.Verdict), decision.Facts.MatchedRule, decision.Verdict != core.VerdictDeny)
}

func (r *runner) snapshot() *core.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Clone()
}

func (r *runner) requestCancel() {
	r.cancelCtx()
}

func missingOutputs(declared []string, values map[string]any) []string {
	var missing []string
	for _, key := range declared {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func budgetRule(rule string) bool {
	switch rule {
	case policy.RuleBudgetHardLimit, policy.RuleMaxSteps, policy.RuleMaxFileChanges:
		return true
	default:
		return false
	}
}

func causeFor(decision core.PolicyDecision) string {
	if budgetRule(decision.Facts.MatchedRule) {
		return "budget_exceeded"
	}
	return "policy_denied"
}
