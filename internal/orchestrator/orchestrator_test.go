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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kaleido-io/callstream/internal/callstore"
	"github.com/kaleido-io/callstream/internal/config"
	"github.com/kaleido-io/callstream/internal/model"
	"github.com/kaleido-io/callstream/internal/notifyhub"
	"github.com/kaleido-io/callstream/internal/persistence"
	"github.com/kaleido-io/callstream/internal/transcriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestComputeBackoffIsExponentialWithJitter(t *testing.T) {
	assert.Equal(t, 1*time.Second, computeBackoff(0, 0))
	assert.Equal(t, 2*time.Second, computeBackoff(1, 0))
	assert.Equal(t, 4*time.Second, computeBackoff(2, 0))
	assert.Equal(t, 4500*time.Millisecond, computeBackoff(2, 0.5))
}

func TestComputeBackoffGrowsMonotonicallyWithRetryCount(t *testing.T) {
	prev := time.Duration(0)
	for retry := 0; retry < 6; retry++ {
		d := computeBackoff(retry, 0)
		assert.Greater(t, d, prev)
		prev = d
	}
}

// alwaysFailTranscriber is a deterministic transient failure used to drive
// the retry loop to exhaustion quickly and predictably.
type alwaysFailTranscriber struct{}

func (alwaysFailTranscriber) Transcribe(ctx context.Context, callID, blob string) (transcriber.Result, error) {
	return transcriber.Result{}, &transcriber.TransientError{Cause: fmt.Errorf("always fails")}
}

// oneShotFailThenSucceed fails the first N attempts for a call, then succeeds.
type oneShotFailThenSucceed struct {
	mu        sync.Mutex
	failsLeft int
}

func (o *oneShotFailThenSucceed) Transcribe(ctx context.Context, callID, blob string) (transcriber.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failsLeft > 0 {
		o.failsLeft--
		return transcriber.Result{}, &transcriber.TransientError{Cause: fmt.Errorf("not yet")}
	}
	return transcriber.Result{Transcript: "ok", Sentiment: "neutral"}, nil
}

func newTestManager(t *testing.T, tx transcriber.Transcriber, maxRetries int) (context.Context, *Manager, *persistence.Persistence, func()) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file::memory:?cache=shared",
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
	}
	p, err := persistence.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(ctx, "sqlite"))

	hub := notifyhub.New()
	// evalInterval 0 disables the housekeeping ticker: these tests drive
	// attempt() directly and assert on its synchronous outcome.
	mgr := NewManager(ctx, p, tx, hub, maxRetries, 0)
	return ctx, mgr, p, func() { _ = p.Close() }
}

func seedInProgressCall(t *testing.T, p *persistence.Persistence, callID string) {
	require.NoError(t, p.Transaction(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		call := model.NewCall(callID, time.Now())
		return tx.Create(call).Error
	}))
	require.NoError(t, callstore.InsertPacket(context.Background(), p.DB(), callID, 0, "hello", 1, time.Now()))
}

func TestAttemptTransitionsToCompletedOnSuccess(t *testing.T) {
	ctx, mgr, p, done := newTestManager(t, &oneShotFailThenSucceed{failsLeft: 0}, 3)
	defer done()
	seedInProgressCall(t, p, "call-success")

	isDone, _ := mgr.attempt(ctx, "call-success")
	assert.True(t, isDone)

	call, err := callstore.LoadCallWithDetails(ctx, p.DB(), "call-success")
	require.NoError(t, err)
	assert.Equal(t, model.CallStateCompleted, call.State)
	require.NotNil(t, call.AIResult)
	assert.Equal(t, model.AIResultStatusCompleted, call.AIResult.Status)
}

func TestAttemptReturnsBackoffOnTransientFailure(t *testing.T) {
	ctx, mgr, p, done := newTestManager(t, alwaysFailTranscriber{}, 5)
	defer done()
	seedInProgressCall(t, p, "call-retry")

	isDone, backoff := mgr.attempt(ctx, "call-retry")
	assert.False(t, isDone)
	assert.Greater(t, backoff, time.Duration(0))

	call, err := callstore.LoadCallWithDetails(ctx, p.DB(), "call-retry")
	require.NoError(t, err)
	assert.Equal(t, model.CallStateProcessingAI, call.State)
	require.NotNil(t, call.AIResult)
	assert.Equal(t, 1, call.AIResult.RetryCount)
}

func TestAttemptTransitionsToFailedOnceRetriesExhausted(t *testing.T) {
	ctx, mgr, p, done := newTestManager(t, alwaysFailTranscriber{}, 0)
	defer done()
	seedInProgressCall(t, p, "call-exhausted")

	isDone, _ := mgr.attempt(ctx, "call-exhausted")
	assert.True(t, isDone)

	call, err := callstore.LoadCallWithDetails(ctx, p.DB(), "call-exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.CallStateFailed, call.State)
	require.NotNil(t, call.AIResult)
	assert.Equal(t, model.AIResultStatusFailed, call.AIResult.Status)
	assert.Equal(t, 0, call.AIResult.RetryCount, "retry_count must never exceed max_retries")
}

func TestAttemptIsNoOpWhenCallNotClaimable(t *testing.T) {
	ctx, mgr, p, done := newTestManager(t, alwaysFailTranscriber{}, 3)
	defer done()
	seedInProgressCall(t, p, "call-claimed")

	require.NoError(t, p.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		call, err := callstore.LoadCallWithDetails(ctx, tx, "call-claimed")
		if err != nil {
			return err
		}
		call.TransitionTo(model.CallStateProcessingAI, time.Now())
		return callstore.SaveCall(ctx, tx, call)
	}))

	isDone, _ := mgr.attempt(ctx, "call-claimed")
	assert.True(t, isDone, "a call already in PROCESSING_AI should not be reclaimed")
}

func TestHousekeepingTickerReTriggersUntrackedClaimableCall(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file::memory:?cache=shared",
		DBMaxOpenConns: 1,
		DBMaxIdleConns: 1,
	}
	p, err := persistence.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(ctx, "sqlite"))
	defer p.Close()

	seedInProgressCall(t, p, "call-orphaned")

	hub := notifyhub.New()
	mgr := NewManager(ctx, p, &oneShotFailThenSucceed{failsLeft: 0}, hub, 3, 10*time.Millisecond)
	defer mgr.Stop(ctx)

	require.Eventually(t, func() bool {
		call, err := callstore.LoadCallWithDetails(ctx, p.DB(), "call-orphaned")
		if err != nil {
			return false
		}
		return call.State == model.CallStateCompleted
	}, time.Second, 10*time.Millisecond, "housekeeping ticker never picked up the untriggered call")
}
