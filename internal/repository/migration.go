// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/lakesync/gateway/pkg/log"
)

const supportedVersion uint = 2

//go:embed migrations/*
var migrationFiles embed.FS

func migrateInstance(backend string, db *sql.DB) (*migrate.Migrate, error) {
	switch backend {
	case "sqlite3":
		driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return nil, err
		}
		d, err := iofs.New(migrationFiles, "migrations/sqlite3")
		if err != nil {
			return nil, err
		}
		return migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	case "mysql":
		driver, err := mysql.WithInstance(db, &mysql.Config{})
		if err != nil {
			return nil, err
		}
		d, err := iofs.New(migrationFiles, "migrations/mysql")
		if err != nil {
			return nil, err
		}
		return migrate.NewWithInstance("iofs", d, "mysql", driver)
	default:
		return nil, fmt.Errorf("repository: unsupported database driver %q", backend)
	}
}

func checkDBVersion(backend string, db *sql.DB) error {
	m, err := migrateInstance(backend, db)
	if err != nil {
		return err
	}

	v, _, err := m.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			log.Warn("repository: no schema version found, run with -migrate-db")
			return nil
		}
		return err
	}

	if v != supportedVersion {
		return fmt.Errorf("schema version %d does not match supported version %d, run with -migrate-db", v, supportedVersion)
	}
	return nil
}

// MigrateDB applies all pending migrations for backend against dsn.
func MigrateDB(backend string, dsn string) error {
	var m *migrate.Migrate
	var err error

	switch backend {
	case "sqlite3":
		d, derr := iofs.New(migrationFiles, "migrations/sqlite3")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", dsn))
	case "mysql":
		d, derr := iofs.New(migrationFiles, "migrations/mysql")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("mysql://%s?multiStatements=true", dsn))
	default:
		return fmt.Errorf("repository: unsupported database driver %q", backend)
	}
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
