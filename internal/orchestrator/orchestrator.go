// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator drives each call exactly once through
// IN_PROGRESS/FAILED -> PROCESSING_AI -> COMPLETED/FAILED against the
// transcriber adapter, with bounded exponential backoff and jitter. It is
// structured the way a per-key task manager is structured elsewhere in this
// codebase: a mutex-guarded set of in-flight keys, lazy-spawn-on-trigger,
// and a coalescing, non-blocking Trigger that is a no-op for a key already
// in flight.
package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/callstore"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/model"
	"github.com/kaleido-io/callstream/internal/msgs"
	"github.com/kaleido-io/callstream/internal/notifyhub"
	"github.com/kaleido-io/callstream/internal/persistence"
	"github.com/kaleido-io/callstream/internal/transcriber"
	"gorm.io/gorm"
)

// Manager owns the process-wide in_flight set and spawns one background
// goroutine per call currently being driven through the transcriber.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	p           *persistence.Persistence
	transcriber transcriber.Transcriber
	hub         *notifyhub.Hub
	maxRetries  int

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewManager constructs a Manager. ctx is the service's root context; tasks
// spawned by Trigger inherit it and are cancelled cooperatively on Stop. If
// evalInterval is positive, a housekeeping ticker re-triggers any call
// sitting in IN_PROGRESS or FAILED but currently untracked by in_flight -
// the same evaluation-loop pattern the teacher's per-key orchestrators run
// to recover from a lost or never-delivered trigger (e.g. a restart between
// an ingest commit and its in-process Trigger call).
func NewManager(ctx context.Context, p *persistence.Persistence, t transcriber.Transcriber, hub *notifyhub.Hub, maxRetries int, evalInterval time.Duration) *Manager {
	taskCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:         taskCtx,
		cancel:      cancel,
		p:           p,
		transcriber: t,
		hub:         hub,
		maxRetries:  maxRetries,
		inFlight:    make(map[string]bool),
	}
	if evalInterval > 0 {
		m.wg.Add(1)
		go m.runHousekeeping(evalInterval)
	}
	return m
}

// runHousekeeping periodically re-triggers calls left in a claimable state.
// Trigger's own coalescing makes this safe to run unconditionally: a call
// already in flight is a no-op, so this only ever picks up calls nothing is
// currently driving.
func (m *Manager) runHousekeeping(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	ctx := log.WithLogField(m.ctx, "component", "housekeeping")
	ids, err := callstore.ListClaimableCallIDs(ctx, m.p.DB())
	if err != nil {
		log.L(ctx).Warnf("housekeeping scan failed: %s", err)
		return
	}
	for _, callID := range ids {
		m.Trigger(callID)
	}
}

// Trigger requests that callID be driven through processing. If it is
// already in flight the request is coalesced and this is a no-op; the
// eventual owner of the in-flight slot will see the call's current state
// when it next reloads, so no signal is lost even if it arrives mid-backoff.
func (m *Manager) Trigger(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[callID] {
		return
	}
	m.inFlight[callID] = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(callID)
	}()
}

// Stop cancels any running tasks and waits for them to release their
// in-flight slots, bounded by ctx's deadline.
func (m *Manager) Stop(ctx context.Context) {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.L(ctx).Warnf("orchestrator shutdown timed out waiting for in-flight tasks")
	}
}

func (m *Manager) release(callID string) {
	m.mu.Lock()
	delete(m.inFlight, callID)
	m.mu.Unlock()
}

// run is the retry loop for one call. It exits - releasing the in_flight
// slot - on success, on exhaustion, or on any condition that means another
// owner already holds the authoritative PROCESSING_AI claim.
func (m *Manager) run(callID string) {
	defer m.release(callID)
	ctx := log.WithLogField(m.ctx, "call_id", callID)

	for {
		select {
		case <-m.ctx.Done():
			log.L(ctx).Infof("orchestrator shutting down, abandoning in-flight run for call %s", callID)
			return
		default:
		}

		done, backoff := m.attempt(ctx, callID)
		if done {
			return
		}

		select {
		case <-time.After(backoff):
		case <-m.ctx.Done():
			return
		}
	}
}

// attempt runs exactly one iteration of the retry loop's body (steps 1-11
// of the processing orchestrator algorithm). done is true when the run
// should exit (terminal outcome, or another owner holds the claim);
// otherwise backoff is the delay to sleep before the next attempt.
func (m *Manager) attempt(ctx context.Context, callID string) (done bool, backoff time.Duration) {
	var claimed bool
	var call *model.Call

	err := m.p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		loaded, loadErr := callstore.LoadCallWithDetails(ctx, tx, callID)
		if loadErr != nil {
			return loadErr
		}
		call = loaded

		if call.State != model.CallStateInProgress && call.State != model.CallStateFailed {
			return nil // another owner's claim, or already terminal
		}
		if !call.TransitionTo(model.CallStateProcessingAI, time.Now()) {
			return nil // lost the race to claim this call
		}
		claimed = true
		return callstore.SaveCall(ctx, tx, call)
	})
	if err != nil {
		log.L(ctx).Errorf("failed to load/claim call %s: %s", callID, err)
		return true, 0
	}
	if !claimed {
		log.L(ctx).Debugf("call %s not claimable (state=%s)", callID, call.State)
		return true, 0
	}

	m.hub.Publish(ctx, callID, string(model.CallStateProcessingAI), nil)

	blob := concatenatePackets(call)
	result, txErr := m.transcriber.Transcribe(ctx, callID, blob)
	if txErr == nil {
		m.onSuccess(ctx, callID, call, result)
		return true, 0
	}

	var transient *transcriber.TransientError
	if !asTransientError(txErr, &transient) {
		m.onUnexpectedError(ctx, callID, txErr)
		return true, 0
	}

	return m.onTransientFailure(ctx, callID, call, transient)
}

func (m *Manager) onSuccess(ctx context.Context, callID string, call *model.Call, result transcriber.Result) {
	now := time.Now()
	err := m.p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		fresh, err := callstore.LoadCallWithDetails(ctx, tx, callID)
		if err != nil {
			return err
		}
		retryCount := 0
		if fresh.AIResult != nil {
			retryCount = fresh.AIResult.RetryCount
		}
		transcript := result.Transcript
		sentiment := result.Sentiment
		if err := callstore.UpsertAIResult(ctx, tx, &model.AIResult{
			CallID:      callID,
			Transcript:  &transcript,
			Sentiment:   &sentiment,
			Status:      model.AIResultStatusCompleted,
			RetryCount:  retryCount,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		if !fresh.TransitionTo(model.CallStateCompleted, now) {
			return i18n.NewError(ctx, msgs.MsgInvalidTransition, callID, fresh.State, model.CallStateCompleted)
		}
		return callstore.SaveCall(ctx, tx, fresh)
	})
	if err != nil {
		log.L(ctx).Errorf("failed to persist completion for call %s: %s", callID, err)
		return
	}
	log.L(ctx).Infof("call %s completed transcription", callID)
	m.hub.Publish(ctx, callID, string(model.CallStateCompleted), &notifyhub.AIResultPayload{
		Transcript: result.Transcript,
		Sentiment:  result.Sentiment,
	})
}

func (m *Manager) onTransientFailure(ctx context.Context, callID string, call *model.Call, transient *transcriber.TransientError) (done bool, backoff time.Duration) {
	now := time.Now()
	var retryCount int
	var exhausted bool

	err := m.p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		fresh, err := callstore.LoadCallWithDetails(ctx, tx, callID)
		if err != nil {
			return err
		}
		retryCount = 1
		if fresh.AIResult != nil {
			retryCount = fresh.AIResult.RetryCount + 1
		}
		exhausted = retryCount > m.maxRetries

		errMsg := transient.Error()
		result := &model.AIResult{
			CallID:      callID,
			Status:      model.AIResultStatusPending,
			RetryCount:  retryCount,
			LastRetryAt: &now,
		}
		if exhausted {
			// The attempt that pushed retryCount past maxRetries never
			// itself gets persisted as a retry: the row keeps the last
			// in-bound count, matching background_worker.py's
			// mark_call_failed, which never writes the overflowing value.
			result.RetryCount = m.maxRetries
			result.Status = model.AIResultStatusFailed
			result.ErrorMessage = &errMsg
			if !fresh.TransitionTo(model.CallStateFailed, now) {
				return i18n.NewError(ctx, msgs.MsgInvalidTransition, callID, fresh.State, model.CallStateFailed)
			}
			if err := callstore.SaveCall(ctx, tx, fresh); err != nil {
				return err
			}
		}
		return callstore.UpsertAIResult(ctx, tx, result)
	})
	if err != nil {
		log.L(ctx).Errorf("failed to persist retry bookkeeping for call %s: %s", callID, err)
		return true, 0
	}

	if exhausted {
		log.L(ctx).Warnf("%s", i18n.NewError(ctx, msgs.MsgRetriesExhausted, callID, m.maxRetries, transient.Error()))
		m.hub.Publish(ctx, callID, string(model.CallStateFailed), nil)
		return true, 0
	}

	log.L(ctx).Debugf("%s", i18n.NewError(ctx, msgs.MsgTranscriptionFailed, retryCount, callID, transient.Error()))
	return false, computeBackoff(retryCount, rand.Float64())
}

// computeBackoff implements 2^retryCount + U[0,1) seconds as a Duration.
// jitter must be a uniform real in [0,1); callers pass rand.Float64() in
// production and a fixed value in tests.
func computeBackoff(retryCount int, jitter float64) time.Duration {
	seconds := math.Pow(2, float64(retryCount)) + jitter
	return time.Duration(seconds * float64(time.Second))
}

func (m *Manager) onUnexpectedError(ctx context.Context, callID string, cause error) {
	now := time.Now()
	errMsg := i18n.NewError(ctx, msgs.MsgOrchestratorInternal, callID, cause).Error()
	err := m.p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		fresh, err := callstore.LoadCallWithDetails(ctx, tx, callID)
		if err != nil {
			return err
		}
		if !fresh.TransitionTo(model.CallStateFailed, now) {
			return nil
		}
		if err := callstore.SaveCall(ctx, tx, fresh); err != nil {
			return err
		}
		return callstore.UpsertAIResult(ctx, tx, &model.AIResult{
			CallID:       callID,
			Status:       model.AIResultStatusFailed,
			ErrorMessage: &errMsg,
		})
	})
	if err != nil {
		log.L(ctx).Errorf("failed to persist failure for call %s: %s", callID, err)
		return
	}
	log.L(ctx).Errorf("call %s failed with an unexpected error: %s", callID, cause)
	m.hub.Publish(ctx, callID, string(model.CallStateFailed), nil)
}

func concatenatePackets(call *model.Call) string {
	var b strings.Builder
	for _, p := range call.Packets {
		b.WriteString(p.Data)
	}
	return b.String()
}

// asTransientError reports whether err is (or wraps) a *transcriber.TransientError.
func asTransientError(err error, target **transcriber.TransientError) bool {
	for err != nil {
		if te, ok := err.(*transcriber.TransientError); ok {
			*target = te
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
