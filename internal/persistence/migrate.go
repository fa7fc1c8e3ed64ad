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

package persistence

import (
	"context"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations using the driver-specific
// golang-migrate database implementation matching the configured dialect.
func (p *Persistence) Migrate(ctx context.Context, driver string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
	}

	var m *migrate.Migrate

	switch driver {
	case "postgres", "postgresql":
		pgDriver, err := postgres.WithInstance(p.sqlDB, &postgres.Config{})
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", pgDriver)
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
	case "mysql":
		myDriver, err := mysql.WithInstance(p.sqlDB, &mysql.Config{})
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "mysql", myDriver)
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
	default:
		liteDriver, err := sqlite3.WithInstance(p.sqlDB, &sqlite3.Config{})
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite3", liteDriver)
		if err != nil {
			return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return i18n.NewError(ctx, msgs.MsgMigrationFailed, err)
	}

	log.L(ctx).Infof("schema migrations applied driver=%s", driver)
	return nil
}
