// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"time"

	"github.com/lakesync/gateway/pkg/log"
)

type ctxKey string

const ctxKeyBegin ctxKey = "begin"

// Hooks satisfies the sqlhooks.Hooks interface, logging every statement
// issued on the SQLite control-plane connection that Connect opens. The
// persistence store and the SQL storage adapter use unhooked drivers.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("sql query %s %q", query, args)
	return context.WithValue(ctx, ctxKeyBegin, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, _ := ctx.Value(ctxKeyBegin).(time.Time)
	if !begin.IsZero() {
		log.Debugf("sql query took %s", time.Since(begin))
	}
	return ctx, nil
}
