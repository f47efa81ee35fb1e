// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package syncrules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakesync/gateway/internal/model"
)

func ownerDelta(owner string) model.RowDelta {
	return model.RowDelta{
		Table: "todos",
		RowID: "r1",
		Op:    model.OpUpdate,
		Columns: []model.ColumnValue{
			{Column: "owner", Value: owner},
		},
	}
}

func ownerRules() model.SyncRules {
	return model.SyncRules{
		Version: 1,
		Buckets: []model.Bucket{
			{
				Name:   "own-todos",
				Tables: []string{"todos"},
				Filters: []model.Filter{
					{Column: "owner", Op: model.FilterEq, Value: "claim:sub"},
				},
			},
		},
	}
}

func TestEvaluateEmptyRulesAllowsAll(t *testing.T) {
	assert.True(t, Evaluate(ownerDelta("b"), model.Claims{ClientID: "a"}, model.SyncRules{}))
}

func TestEvaluateOwnerMatch(t *testing.T) {
	rules := ownerRules()
	assert.True(t, Evaluate(ownerDelta("a"), model.Claims{ClientID: "a"}, rules))
	assert.False(t, Evaluate(ownerDelta("b"), model.Claims{ClientID: "a"}, rules))
}

func TestEvaluateMissingColumnFailsClosed(t *testing.T) {
	rules := ownerRules()
	delta := model.RowDelta{Table: "todos", RowID: "r1", Op: model.OpDelete}
	assert.False(t, Evaluate(delta, model.Claims{ClientID: "a"}, rules))
}

func TestEvaluateTableNotInAnyBucketDenied(t *testing.T) {
	rules := ownerRules()
	delta := model.RowDelta{Table: "other", RowID: "r1", Op: model.OpInsert}
	assert.False(t, Evaluate(delta, model.Claims{ClientID: "a"}, rules))
}

func TestCompiledRulesMatchesUncompiled(t *testing.T) {
	rules := ownerRules()
	cr, err := NewCompiledRules(rules)
	require.NoError(t, err)

	claims := model.Claims{ClientID: "a"}
	assert.Equal(t, Evaluate(ownerDelta("a"), claims, rules), cr.Evaluate(ownerDelta("a"), claims))
	assert.Equal(t, Evaluate(ownerDelta("b"), claims, rules), cr.Evaluate(ownerDelta("b"), claims))
}

func TestCompiledRulesInOperator(t *testing.T) {
	rules := model.SyncRules{
		Buckets: []model.Bucket{{
			Name:   "b",
			Tables: []string{"todos"},
			Filters: []model.Filter{
				{Column: "status", Op: model.FilterIn, Value: []string{"open", "pending"}},
			},
		}},
	}
	cr, err := NewCompiledRules(rules)
	require.NoError(t, err)

	open := model.RowDelta{Table: "todos", Op: model.OpUpdate, Columns: []model.ColumnValue{{Column: "status", Value: "open"}}}
	closed := model.RowDelta{Table: "todos", Op: model.OpUpdate, Columns: []model.ColumnValue{{Column: "status", Value: "closed"}}}

	assert.True(t, cr.Evaluate(open, model.Claims{}))
	assert.False(t, cr.Evaluate(closed, model.Claims{}))
}
