package engine

import (
	"fmt"
	"time"

	"conductor/core"
)

// requestApproval suspends a graph node pending sign-off and arranges for an
// answer: replayed from the trajectory, auto-answered by the gate at
// full-auto and above, or awaited from a human under a timeout. Caller holds
// the exclusive section.
func (r *runner) requestApproval(nodeID string) {
	r.pendingApproval[nodeID] = true
	r.publish(core.EventApprovalRequested, map[string]any{"node_id": nodeID})

	if r.replay != nil {
		if approve, ok := r.replay.answers(nodeID); ok {
			r.postAnswer(approvalAnswer{nodeID: nodeID, approve: approve, source: approvalSourceReplay})
			return
		}
		// No recorded answer survives for this request; denying is the only
		// deterministic choice left.
		r.postAnswer(approvalAnswer{nodeID: nodeID, approve: false, source: approvalSourceReplay})
		return
	}
	if r.task.Autonomy >= core.AutonomyFullAuto {
		// The gate already let the action through; at this level the gate is
		// the approver.
		r.postAnswer(approvalAnswer{nodeID: nodeID, approve: true, source: approvalSourcePolicy})
		return
	}
	timeout := r.task.Safety.EffectiveApprovalTimeout()
	r.approvalTimers[nodeID] = time.AfterFunc(timeout, func() {
		r.postAnswer(approvalAnswer{nodeID: nodeID, approve: false, source: approvalSourceTimeout})
	})
}

// postAnswer hands an answer to the run loop without blocking the caller.
func (r *runner) postAnswer(ans approvalAnswer) {
	select {
	case r.approvalQ <- ans:
	default:
		go func() {
			select {
			case r.approvalQ <- ans:
			case <-r.ctx.Done():
			}
		}()
	}
}

// answerApproval is the external entry point for human approval callbacks.
func (r *runner) answerApproval(nodeID string, approve bool, source string) error {
	r.mu.Lock()
	pending := r.pendingApproval[nodeID]
	r.mu.Unlock()
	if !pending {
		return fmt.Errorf("node %s: %w", nodeID, core.ErrNoPendingApproval)
	}
	r.postAnswer(approvalAnswer{nodeID: nodeID, approve: approve, source: source})
	return nil
}

// applyApproval resolves a suspended graph node. Late answers for requests
// already resolved (a timeout racing a human, say) are dropped. Caller holds
// the exclusive section.
func (r *runner) applyApproval(ans approvalAnswer) {
	if !r.pendingApproval[ans.nodeID] {
		return
	}
	delete(r.pendingApproval, ans.nodeID)
	if t, ok := r.approvalTimers[ans.nodeID]; ok {
		t.Stop()
		delete(r.approvalTimers, ans.nodeID)
	}
	node, ok := r.graph.Node(ans.nodeID)
	if !ok || node.Status != core.NodeAwaitingApproval {
		return
	}
	if err := r.recordResolution(ans, node.Attempts); err != nil {
		r.failLocked("infrastructure", err.Error(), "")
		return
	}

	if !ans.approve {
		obs := core.Observation{Status: core.ObservationFailed, Error: "approval denied"}
		r.nodeFailCause[node.ID] = "approval_denied"
		if err := r.graph.Complete(node.ID, obs); err != nil {
			r.log.LogWarn("completing denied node", "run_id", r.run.ID, "node_id", node.ID, "error", err)
		}
		r.publish(core.EventStepFailed, map[string]any{"node_id": node.ID, "reason": "approval denied"})
		return
	}

	if r.workerRaised[node.ID] {
		// The worker paused mid-node; send it back through the ready set
		// with a gate bypass so the original verdict is not re-litigated.
		delete(r.workerRaised, node.ID)
		if err := r.graph.Retry(node.ID); err != nil {
			r.log.LogWarn("resuming approved node", "run_id", r.run.ID, "node_id", node.ID, "error", err)
			return
		}
		r.approvedNodes[node.ID] = true
		r.feedback[node.ID] = "the proposed action was approved, continue"
		return
	}
	// Pre-dispatch sign-off: the node never ran, dispatch it now under its
	// original decision.
	if err := r.graph.Resume(node.ID); err != nil {
		r.log.LogWarn("resuming approved node", "run_id", r.run.ID, "node_id", node.ID, "error", err)
		return
	}
	if resumed, ok := r.graph.Node(node.ID); ok {
		r.stageDispatch(resumed, r.nodeDecisions[node.ID])
	}
}

// recordResolution appends the approval audit entry. Resolutions do not
// count against the step budget; they record who answered and how.
func (r *runner) recordResolution(ans approvalAnswer, attempt int) error {
	status := core.ObservationSucceeded
	if !ans.approve {
		status = core.ObservationFailed
	}
	_, err := r.recordStep(core.Step{
		Kind:    core.StepApproval,
		NodeID:  ans.nodeID,
		Attempt: attempt,
		Observation: core.Observation{
			Status: status,
			Values: map[string]any{"approved": ans.approve, "source": ans.source},
		},
		Decision: r.nodeDecisions[ans.nodeID],
	})
	if err != nil {
		return err
	}
	r.publish(core.EventApprovalResolved, map[string]any{
		"node_id":  ans.nodeID,
		"approved": ans.approve,
		"source":   ans.source,
	})
	return nil
}

// awaitApproval blocks the lifecycle driver on a run-level sign-off (the
// plan and deliver pseudo nodes). resolved is false only when the run was
// cancelled while waiting.
func (r *runner) awaitApproval(nodeID string, decision *core.PolicyDecision) (approved, resolved bool) {
	r.mu.Lock()
	r.pendingApproval[nodeID] = true
	r.nodeDecisions[nodeID] = decision
	r.publish(core.EventApprovalRequested, map[string]any{"node_id": nodeID})
	r.mu.Unlock()

	var ans approvalAnswer
	switch {
	case r.replay != nil:
		approve, ok := r.replay.answers(nodeID)
		ans = approvalAnswer{nodeID: nodeID, approve: ok && approve, source: approvalSourceReplay}
	case r.task.Autonomy >= core.AutonomyFullAuto:
		ans = approvalAnswer{nodeID: nodeID, approve: true, source: approvalSourcePolicy}
	default:
		timer := time.NewTimer(r.task.Safety.EffectiveApprovalTimeout())
		defer timer.Stop()
	wait:
		for {
			select {
			case got := <-r.approvalQ:
				if got.nodeID != nodeID {
					continue
				}
				ans = got
				break wait
			case <-timer.C:
				ans = approvalAnswer{nodeID: nodeID, approve: false, source: approvalSourceTimeout}
				break wait
			case <-r.ctx.Done():
				r.mu.Lock()
				delete(r.pendingApproval, nodeID)
				r.mu.Unlock()
				return false, false
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingApproval, nodeID)
	if err := r.recordResolution(ans, 0); err != nil {
		r.failLocked("infrastructure", err.Error(), "")
		return false, false
	}
	return ans.approve, true
}
