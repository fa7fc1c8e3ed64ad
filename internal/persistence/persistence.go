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

// Package persistence owns the GORM connection pool across postgres, mysql
// and sqlite, and the transactional-session helper used by every other
// component that touches the database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/callstream/internal/config"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/msgs"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Persistence wraps the GORM handle and the underlying *sql.DB pool.
type Persistence struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open establishes the connection pool for the configured driver.
func Open(ctx context.Context, cfg *config.Config) (*Persistence, error) {
	dialector, err := dialectorFor(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, i18n.NewError(ctx, msgs.MsgDatabaseUnreachable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, i18n.NewError(ctx, msgs.MsgDatabaseUnreachable, err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, i18n.NewError(ctx, msgs.MsgDatabaseUnreachable, err)
	}

	log.L(ctx).Infof("persistence pool opened driver=%s maxOpen=%d maxIdle=%d", cfg.DatabaseDriver, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	return &Persistence{db: db, sqlDB: sqlDB}, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case "sqlite", "sqlite3", "":
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DB returns the underlying handle for read-only use outside a transaction.
func (p *Persistence) DB() *gorm.DB {
	return p.db
}

// Transaction runs fn inside a single GORM transaction, committing on a nil
// return and rolling back otherwise. Every ingest and orchestrator operation
// that mutates more than one row goes through this.
func (p *Persistence) Transaction(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

// Ping reports whether the database is currently reachable, for the health endpoint.
func (p *Persistence) Ping() error {
	return p.sqlDB.Ping()
}

// Close releases the underlying connection pool.
func (p *Persistence) Close() error {
	return p.sqlDB.Close()
}

// IsUniqueConstraintError sniffs driver-specific unique-violation errors,
// since GORM does not normalise this across dialects.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "23505") || // postgres unique_violation
		strings.Contains(msg, "Duplicate entry") || // mysql
		strings.Contains(msg, "1062") // mysql unique errno
}
