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
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteTranscriber calls out to a real transcription HTTP endpoint. It
// satisfies the same Transcriber interface as MockTranscriber, so swapping
// one for the other is the only change needed to point the orchestrator at
// a live dependency.
type RemoteTranscriber struct {
	client   *resty.Client
	endpoint string
}

// NewRemote builds a RemoteTranscriber posting to endpoint.
func NewRemote(endpoint string) *RemoteTranscriber {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(0) // retries are the orchestrator's job, not the client's

	return &RemoteTranscriber{client: client, endpoint: endpoint}
}

type remoteRequest struct {
	CallID string `json:"call_id"`
	Blob   string `json:"blob"`
}

type remoteResponse struct {
	Transcript string `json:"transcript"`
	Sentiment  string `json:"sentiment"`
}

func (r *RemoteTranscriber) Transcribe(ctx context.Context, callID, blob string) (Result, error) {
	var out remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(remoteRequest{CallID: callID, Blob: blob}).
		SetResult(&out).
		Post(r.endpoint)
	if err != nil {
		return Result{}, &TransientError{Cause: err}
	}
	if resp.IsError() {
		return Result{}, &TransientError{Cause: fmt.Errorf("transcription service returned %s", resp.Status())}
	}
	return Result{Transcript: out.Transcript, Sentiment: out.Sentiment}, nil
}
