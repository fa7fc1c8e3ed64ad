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

// Package log provides a context-scoped structured logger built on logrus.
// Components never log directly against a package-level logger; they always
// go through log.L(ctx) so call_id and other request-scoped fields travel
// with every line.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxLogKey struct{}

var root = logrus.NewEntry(logrus.StandardLogger())

// SetLevel sets the level of the root logger, parsed from a case-insensitive string.
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	return nil
}

// SetFormatter installs a text formatter matching the teacher's logging texture.
func SetFormatter() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// L returns the logger scoped to ctx, falling back to the root logger if none was attached.
func L(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return root
	}
	if entry, ok := ctx.Value(ctxLogKey{}).(*logrus.Entry); ok {
		return entry
	}
	return root
}

// WithLogField returns a context carrying a logger with an additional field set.
func WithLogField(ctx context.Context, key string, value interface{}) context.Context {
	newEntry := L(ctx).WithField(key, value)
	return context.WithValue(ctx, ctxLogKey{}, newEntry)
}

// WithLogFields returns a context carrying a logger with several additional fields set.
func WithLogFields(ctx context.Context, fields logrus.Fields) context.Context {
	newEntry := L(ctx).WithFields(fields)
	return context.WithValue(ctx, ctxLogKey{}, newEntry)
}
