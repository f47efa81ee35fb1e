// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package syncrules evaluates the bucket/filter document that governs
// which deltas a client is allowed to see. Evaluation is pure and
// side-effect-free: the same (delta, claims, rules) triple always produces
// the same verdict.
package syncrules

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lakesync/gateway/internal/model"
)

// Evaluate reports whether delta is visible to claims under rules. An
// empty rules document (no buckets) allows everything. A delta is allowed
// iff some bucket names delta.Table and every one of that bucket's
// filters is satisfied. This is the uncompiled reference implementation —
// correct but re-parses nothing, so it has no compile step to amortize;
// CompiledRules below exists purely for the hot path.
func Evaluate(delta model.RowDelta, claims model.Claims, rules model.SyncRules) bool {
	if len(rules.Buckets) == 0 {
		return true
	}
	for _, bucket := range rules.Buckets {
		if !containsTable(bucket.Tables, delta.Table) {
			continue
		}
		if allFiltersMatch(delta, claims, bucket.Filters) {
			return true
		}
	}
	return false
}

func containsTable(tables []string, table string) bool {
	for _, t := range tables {
		if t == table {
			return true
		}
	}
	return false
}

func allFiltersMatch(delta model.RowDelta, claims model.Claims, filters []model.Filter) bool {
	for _, f := range filters {
		if !matchFilter(delta, claims, f) {
			return false
		}
	}
	return true
}

func resolveValue(claims model.Claims, value any) (any, bool) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "claim:") {
		return value, true
	}
	return claims.Lookup(strings.TrimPrefix(s, "claim:"))
}

// matchFilter resolves value (literal or claim reference) then compares
// delta.Columns[column] against it using op. A missing column fails the
// predicate — fail-closed, per spec.
func matchFilter(delta model.RowDelta, claims model.Claims, f model.Filter) bool {
	resolved, ok := resolveValue(claims, f.Value)
	if !ok {
		return false
	}
	colVal, ok := delta.Column(f.Column)
	if !ok {
		return false
	}
	return compareOp(f.Op, colVal, resolved)
}

func compareOp(op model.FilterOp, colVal, value any) bool {
	switch op {
	case model.FilterEq:
		return fmt.Sprint(colVal) == fmt.Sprint(value)
	case model.FilterNeq:
		return fmt.Sprint(colVal) != fmt.Sprint(value)
	case model.FilterIn:
		return containsAny(value, colVal)
	case model.FilterGt, model.FilterGte, model.FilterLt, model.FilterLte:
		return compareOrdered(op, colVal, value)
	default:
		return false
	}
}

func containsAny(haystack any, needle any) bool {
	switch list := haystack.(type) {
	case []string:
		n := fmt.Sprint(needle)
		for _, v := range list {
			if v == n {
				return true
			}
		}
		return false
	case []any:
		n := fmt.Sprint(needle)
		for _, v := range list {
			if fmt.Sprint(v) == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareOrdered(op model.FilterOp, colVal, value any) bool {
	a, aok := toFloat(colVal)
	b, bok := toFloat(value)
	if !aok || !bok {
		return false
	}
	switch op {
	case model.FilterGt:
		return a > b
	case model.FilterGte:
		return a >= b
	case model.FilterLt:
		return a < b
	case model.FilterLte:
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// compiledFilter pairs a filter's static column/value-reference shape with
// a precompiled expr program for its operator, so the hot evaluation path
// never calls expr.Compile.
type compiledFilter struct {
	model.Filter
	program *vm.Program
}

// compiledBucket is a bucket whose filters have been precompiled.
type compiledBucket struct {
	tables  map[string]struct{}
	filters []compiledFilter
}

// CompiledRules precompiles every filter predicate in a rules document
// into an expr boolean program once per document version, so Evaluate
// never compiles on the hot path. The compiled programs compare a "column"
// environment variable against a "value" environment variable using the
// filter's operator; column/value resolution still happens per call since
// they depend on the delta and claims being evaluated.
type CompiledRules struct {
	version int
	buckets []compiledBucket
}

var opExpr = map[model.FilterOp]string{
	model.FilterEq:  "column == value",
	model.FilterNeq: "column != value",
	model.FilterGt:  "column > value",
	model.FilterGte: "column >= value",
	model.FilterLt:  "column < value",
	model.FilterLte: "column <= value",
}

// NewCompiledRules compiles doc's filters once. "in" filters aren't
// expr-compiled — membership over a claim-resolved list is simpler as a
// direct Go comparison, so they're evaluated the same way Evaluate does.
func NewCompiledRules(doc model.SyncRules) (*CompiledRules, error) {
	cr := &CompiledRules{version: doc.Version}
	for _, bucket := range doc.Buckets {
		cb := compiledBucket{tables: make(map[string]struct{}, len(bucket.Tables))}
		for _, t := range bucket.Tables {
			cb.tables[t] = struct{}{}
		}
		for _, f := range bucket.Filters {
			cf := compiledFilter{Filter: f}
			if src, ok := opExpr[f.Op]; ok {
				program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
				if err != nil {
					return nil, fmt.Errorf("syncrules: compile filter %s.%s: %w", bucket.Name, f.Column, err)
				}
				cf.program = program
			}
			cb.filters = append(cb.filters, cf)
		}
		cr.buckets = append(cr.buckets, cb)
	}
	return cr, nil
}

// Evaluate applies the precompiled rules to delta/claims.
func (cr *CompiledRules) Evaluate(delta model.RowDelta, claims model.Claims) bool {
	if len(cr.buckets) == 0 {
		return true
	}
	for _, bucket := range cr.buckets {
		if _, ok := bucket.tables[delta.Table]; !ok {
			continue
		}
		if cr.bucketMatches(bucket, delta, claims) {
			return true
		}
	}
	return false
}

func (cr *CompiledRules) bucketMatches(bucket compiledBucket, delta model.RowDelta, claims model.Claims) bool {
	for _, f := range bucket.filters {
		resolved, ok := resolveValue(claims, f.Value)
		if !ok {
			return false
		}
		colVal, ok := delta.Column(f.Column)
		if !ok {
			return false
		}

		if f.Op == model.FilterIn {
			if !containsAny(resolved, colVal) {
				return false
			}
			continue
		}

		out, err := expr.Run(f.program, map[string]any{"column": colVal, "value": resolved})
		if err != nil {
			return false
		}
		ok, _ = out.(bool)
		if !ok {
			return false
		}
	}
	return true
}
