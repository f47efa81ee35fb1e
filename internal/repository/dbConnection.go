// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repository owns the gateway's shared SQL connection: connector
// configs, gateway documents and distributed locks all go through
// migrations managed here. The SQLite persistence backend keeps its delta
// WAL and cursor tables in its own file (see internal/persistence).
package repository

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/lakesync/gateway/pkg/log"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

type DBConnection struct {
	DB     *sqlx.DB
	Driver string
}

// Connect opens the shared database connection exactly once per process.
// Repeated calls with different arguments are ignored; callers should
// always pass the same driver/dsn pair (enforced by config at startup).
func Connect(driver string, dsn string) error {
	var err error
	var dbHandle *sqlx.DB

	dbConnOnce.Do(func() {
		switch driver {
		case "sqlite3":
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
			dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", dsn))
			if err != nil {
				return
			}
			// SQLite does not multiplex writers; a single connection avoids
			// lock-wait churn under concurrent flush/push traffic.
			dbHandle.SetMaxOpenConns(1)
		case "mysql":
			dbHandle, err = sqlx.Open("mysql", fmt.Sprintf("%s?multiStatements=true&parseTime=true", dsn))
			if err != nil {
				return
			}
			dbHandle.SetConnMaxLifetime(3 * time.Minute)
			dbHandle.SetMaxOpenConns(10)
			dbHandle.SetMaxIdleConns(10)
		default:
			err = fmt.Errorf("repository: unsupported database driver %q", driver)
			return
		}

		dbConnInstance = &DBConnection{DB: dbHandle, Driver: driver}
		if verr := checkDBVersion(driver, dbHandle.DB); verr != nil {
			log.Errorf("repository: migration check failed: %v", verr)
		}
	})

	return err
}

// GetConnection returns the process-wide connection established by
// Connect. Callers must ensure Connect succeeded first; this mirrors the
// reference gateway's singleton access pattern.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatal("repository: database connection not initialized")
	}
	return dbConnInstance
}
