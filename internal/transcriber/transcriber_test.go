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

package transcriber

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentimentForIsDeterministic(t *testing.T) {
	a := sentimentFor("call-123")
	b := sentimentFor("call-123")
	assert.Equal(t, a, b)
	assert.Contains(t, sentiments, a)
}

func TestSentimentForVariesAcrossCalls(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[sentimentFor(string(rune('a'+i)))] = true
	}
	assert.Greater(t, len(seen), 1, "expected more than one distinct sentiment across 50 call ids")
}

func TestMockTranscriberAlwaysFailsAtFullFailureRate(t *testing.T) {
	m := NewMock(1.0)
	_, err := m.Transcribe(context.Background(), "call-1", "blob")
	require.Error(t, err)
	var te *TransientError
	require.ErrorAs(t, err, &te)
}

func TestMockTranscriberAlwaysSucceedsAtZeroFailureRate(t *testing.T) {
	m := NewMock(0.0)
	result, err := m.Transcribe(context.Background(), "call-ok", "hello")
	require.NoError(t, err)
	assert.Contains(t, result.Transcript, "call-ok")
	assert.Contains(t, sentiments, result.Sentiment)
}

func TestMockTranscriberRespectsContextCancellation(t *testing.T) {
	m := NewMock(0.0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Transcribe(ctx, "call-cancel", "blob")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
