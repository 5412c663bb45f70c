package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/resolve"
	"github.com/roach88/fieldsync/internal/store"
)

// Run drives the operation log until ctx is cancelled or a storage fault
// halts the engine. Operations left in flight by a previous process are
// returned to pending first, and again on the way out.
//
// Only one Run may be active per Engine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return &Error{Code: ErrCodeAlreadyRunning, Message: "engine is already running"}
	}
	defer e.running.Store(false)

	e.drainMu.Lock()
	err := e.prepare(ctx)
	e.drainMu.Unlock()
	if err != nil {
		return err
	}
	defer e.shutdown()

	e.logger.Info("sync engine starting", "device_id", e.deviceID, "online", e.Online())

	var tick <-chan time.Time
	if e.tickInterval > 0 {
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	e.queue.Enqueue(Trigger{Reason: ReasonStartup})

	for {
		if ctx.Err() != nil {
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()
		}
		if triggers := e.queue.TakeAll(); len(triggers) > 0 {
			if err := e.handle(ctx, triggers); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-tick:
			e.queue.Enqueue(Trigger{Reason: ReasonTick})
		case <-e.queue.Wait():
		}
	}
}

// DrainOnce performs one drain synchronously, absorbing any queued
// triggers. It is the one-shot counterpart of Run and shares its lock.
func (e *Engine) DrainOnce(ctx context.Context) error {
	e.drainMu.Lock()
	err := e.prepare(ctx)
	e.drainMu.Unlock()
	if err != nil {
		return err
	}
	return e.handle(ctx, append(e.queue.TakeAll(), Trigger{Reason: ReasonManual}))
}

// prepare settles the retry policy and recovers crashed sends. Caller
// holds drainMu.
func (e *Engine) prepare(ctx context.Context) error {
	if e.prepared {
		return nil
	}
	if err := e.Halted(); err != nil {
		return err
	}

	if e.backoffSet {
		if err := e.backoff.Validate(); err != nil {
			return fmt.Errorf("invalid retry policy: %w", err)
		}
		if err := e.log.SaveSettings(ctx, e.backoff.settings()); err != nil {
			return e.startFailure("save retry policy", err)
		}
	} else {
		stored, ok, err := e.log.LoadSettings(ctx)
		if err != nil {
			return e.startFailure("load retry policy", err)
		}
		if b := backoffFromSettings(stored); ok && b.Validate() == nil {
			e.backoff = b
		} else if err := e.log.SaveSettings(ctx, e.backoff.settings()); err != nil {
			return e.startFailure("save retry policy", err)
		}
	}

	n, err := e.log.RequeueInFlight(ctx)
	if err != nil {
		return e.startFailure("recover in-flight operations", err)
	}
	if n > 0 {
		e.logger.Info("recovered operations left in flight", "count", n)
	}
	e.prepared = true
	return nil
}

func (e *Engine) startFailure(what string, err error) error {
	if store.IsFault(err) {
		return e.halt(err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	if e.resumeTimer != nil {
		e.resumeTimer.Stop()
		e.resumeTimer = nil
	}
	e.mu.Unlock()

	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	if e.Halted() != nil {
		return
	}
	if n, err := e.log.RequeueInFlight(context.Background()); err != nil {
		e.logger.Error("requeue in-flight operations on shutdown", "error", err)
	} else if n > 0 {
		e.logger.Info("returned in-flight operations to pending", "count", n)
	}
	e.setState(StateIdle)
}

// handle folds a batch of triggers into at most one drain.
func (e *Engine) handle(ctx context.Context, triggers []Trigger) error {
	drain := false
	for _, t := range triggers {
		switch t.Reason {
		case ReasonConnectivity:
			if !t.Online {
				e.settleOffline()
			}
			drain = drain || t.Online
		case ReasonResume:
			e.endPause()
			drain = true
		default:
			drain = true
		}
	}
	if !drain {
		return nil
	}

	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	return e.drain(ctx)
}

// drain sends eligible operations until none remain, connectivity drops,
// the server pushes back or ctx is cancelled. Caller holds drainMu.
func (e *Engine) drain(ctx context.Context) error {
	if err := e.Halted(); err != nil {
		return err
	}
	if !e.Online() {
		e.logger.Debug("drain skipped: offline")
		return nil
	}
	if !e.beginDrain() {
		return nil
	}

	sent := 0
	for {
		batch, err := e.log.PeekReady(ctx, e.clock.Now(), e.batchSize)
		if err != nil {
			return e.storageFailure(ctx, err)
		}
		if len(batch) == 0 {
			e.completeDrain(ctx)
			return nil
		}

		for _, op := range batch {
			if ctx.Err() != nil {
				e.setState(StateIdle)
				return nil
			}
			if !e.Online() {
				e.pause(time.Time{}, "connectivity lost")
				return nil
			}
			if e.maxOpsPerDrain > 0 && sent >= e.maxOpsPerDrain {
				e.setState(StateIdle)
				e.queue.Enqueue(Trigger{Reason: ReasonContinue})
				return nil
			}

			more, err := e.deliver(ctx, op)
			if err != nil {
				return err
			}
			sent++
			if !more {
				return nil
			}
		}
	}
}

// deliver sends one operation and records the outcome. It returns false
// when the drain must stop.
func (e *Engine) deliver(ctx context.Context, op model.Operation) (bool, error) {
	logger := e.logger.With(
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
	)

	if err := e.log.MarkInFlight(ctx, op.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			logger.Debug("operation no longer ready", "error", err)
			return true, nil
		}
		return false, e.storageFailure(ctx, err)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout)
	receipt, sendErr := e.remote.Submit(sendCtx, op)
	cancel()

	// The outcome is recorded even when shutdown began during the send.
	rctx := context.WithoutCancel(ctx)

	var err error
	more := true
	reauth := false
	switch remote.Classify(sendErr) {
	case "":
		err = e.log.ApplyAccepted(rctx, op, receipt.Version, receipt.ServerID)
		logger.Info("operation accepted", "version", receipt.Version)

	case remote.CodeConflict:
		err = e.resolveConflict(rctx, op, sendErr, logger)

	case remote.CodePermanent:
		logger.Warn("operation rejected; dead-lettered", "error", sendErr)
		err = e.log.MarkDeadLettered(rctx, op.ID, sendErr.Error())

	case remote.CodeUnauthorized:
		logger.Warn("credentials rejected; reauthentication required", "error", sendErr)
		err = e.log.MarkDeadLettered(rctx, op.ID, sendErr.Error())
		more, reauth = false, true

	case remote.CodeRateLimited:
		err = e.log.Requeue(rctx, op.ID)
		more = false

	default:
		err = e.retry(rctx, op, sendErr, logger)
	}
	if err != nil {
		return false, e.storageFailure(rctx, err)
	}

	switch {
	case reauth:
		e.setState(StateIdle)
		e.notifyReauth()
	case remote.Classify(sendErr) == remote.CodeRateLimited:
		after := e.backoff.BaseDelay
		if re, ok := remote.AsError(sendErr); ok && re.RetryAfter > 0 {
			after = re.RetryAfter
		}
		e.pause(e.clock.Now().Add(after), "rate limited")
	}
	return more, nil
}

// retry reschedules op after a transient failure, or dead-letters it once
// the attempt ceiling is passed.
func (e *Engine) retry(ctx context.Context, op model.Operation, cause error, logger *slog.Logger) error {
	attempts := op.AttemptCount + 1
	if e.backoff.Exhausted(attempts) {
		logger.Warn("retry ceiling exceeded; dead-lettered", "attempts", attempts, "error", cause)
		return e.log.MarkDeadLettered(ctx, op.ID, fmt.Sprintf("retry ceiling exceeded after %d attempts: %v", attempts, cause))
	}
	delay := e.backoff.Delay(attempts, e.jitter)
	logger.Info("transient failure; retry scheduled", "attempt", attempts, "delay", delay, "error", cause)
	return e.log.MarkRetry(ctx, op.ID, attempts, e.clock.Now().Add(delay), cause.Error())
}

// resolveConflict merges the server copy with the local snapshot and
// commits the result together with any corrective operation. The local
// side is read inside the same log transaction that records the result,
// so a mutation enqueued meanwhile lands either before the merge or on
// top of it.
func (e *Engine) resolveConflict(ctx context.Context, op model.Operation, sendErr error, logger *slog.Logger) error {
	re, _ := remote.AsError(sendErr)
	if re == nil || re.Server == nil {
		return e.retry(ctx, op, fmt.Errorf("conflict response carried no server record: %w", sendErr), logger)
	}

	var result resolve.Result
	err := e.log.ApplyResolution(ctx, op, *re.Server, func(c store.Conflicted) (model.Record, *model.Operation, error) {
		local := c.Local
		if !c.Found {
			local = model.Apply(model.Record{}, op)
		}
		var err error
		result, err = resolve.Resolve(resolve.Conflict{
			Local:        local,
			Server:       *re.Server,
			Base:         c.Base,
			Operation:    op,
			LocalChanges: localChanges(op, c.Outstanding),
			Policy:       e.policy,
		})
		if err != nil {
			return model.Record{}, nil, unresolvable{err}
		}
		if result.Corrective == nil {
			return result.Merged, nil, nil
		}
		corrective := *result.Corrective
		now := model.Timestamp(e.clock.Now())
		corrective.EnqueuedAt = now
		corrective.NextEligibleAt = now
		return result.Merged, &corrective, nil
	})
	var ue unresolvable
	if errors.As(err, &ue) {
		logger.Error("conflict could not be resolved; dead-lettered", "error", ue.err)
		return e.log.MarkDeadLettered(ctx, op.ID, ue.err.Error())
	}
	if err != nil {
		return err
	}

	logger.Info("conflict resolved",
		"server_version", re.Server.Version,
		"overridden", result.Report.FieldNames(),
		"corrected", result.Report.Corrected,
		"discarded", result.Report.Discarded,
	)
	e.notifyResolution(result.Report)
	return nil
}

// unresolvable carries a resolver error out of the log transaction.
type unresolvable struct{ err error }

func (u unresolvable) Error() string { return u.err.Error() }
func (u unresolvable) Unwrap() error { return u.err }

// localChanges lists the fields the client still has outstanding changes
// to, across the entity's pending and in-flight operations.
func localChanges(op model.Operation, outstanding []model.Operation) []string {
	seen := make(map[string]bool)
	for _, o := range outstanding {
		for f := range o.Payload {
			seen[f] = true
		}
	}
	for f := range op.Payload {
		seen[f] = true
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

// storageFailure classifies a log error met while draining. Faults halt
// the engine; cancellation ends the drain quietly; anything else is
// logged and ends the drain.
func (e *Engine) storageFailure(ctx context.Context, err error) error {
	if store.IsFault(err) {
		return e.halt(err)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		e.setState(StateIdle)
		return nil
	}
	e.logger.Error("operation log error; drain stopped", "error", err)
	e.setState(StateIdle)
	return nil
}

// beginDrain moves to Draining unless a rate-limit pause is still running.
// A connectivity pause ends here: the caller has already seen the driver
// online.
func (e *Engine) beginDrain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateBackoff {
		if !e.backoffUntil.IsZero() && e.clock.Now().Before(e.backoffUntil) {
			return false
		}
		e.backoffUntil = time.Time{}
	}
	e.state = StateDraining
	return true
}

func (e *Engine) completeDrain(ctx context.Context) {
	now := e.clock.Now()
	e.mu.Lock()
	e.lastDrain = now
	if e.state == StateDraining {
		e.state = StateIdle
	}
	e.mu.Unlock()

	if e.retention <= 0 {
		return
	}
	n, err := e.log.PruneCommitted(ctx, now.Add(-e.retention))
	if err != nil {
		e.logger.Warn("prune committed operations", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug("pruned committed operations", "count", n)
	}
}

// pause enters Backoff. A zero until waits for connectivity; otherwise,
// while Run is active, a timer posts a resume trigger when the pause ends.
// One-shot drains check the pause against the clock instead.
func (e *Engine) pause(until time.Time, reason string) {
	e.mu.Lock()
	e.state = StateBackoff
	e.backoffUntil = until
	if e.resumeTimer != nil {
		e.resumeTimer.Stop()
		e.resumeTimer = nil
	}
	if !until.IsZero() && e.running.Load() {
		e.resumeTimer = time.AfterFunc(max(until.Sub(e.clock.Now()), 0), func() {
			e.queue.Enqueue(Trigger{Reason: ReasonResume})
		})
	}
	e.mu.Unlock()

	e.logger.Info("sync paused", "reason", reason, "until", until)
}

// endPause clears a rate-limit pause whose timer fired.
func (e *Engine) endPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeTimer = nil
	if e.state == StateBackoff && !e.backoffUntil.IsZero() {
		e.state = StateIdle
		e.backoffUntil = time.Time{}
	}
}

// settleOffline ends a connectivity pause once the offline report has been
// handled. The driver then idles until connectivity returns.
func (e *Engine) settleOffline() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateBackoff && e.backoffUntil.IsZero() {
		e.state = StateIdle
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}
