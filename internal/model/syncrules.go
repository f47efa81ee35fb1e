// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package model

// FilterOp is a comparison operator a sync-rule filter predicate applies
// between a delta's column value and a literal or claim-resolved value.
type FilterOp string

const (
	FilterEq  FilterOp = "eq"
	FilterNeq FilterOp = "neq"
	FilterIn  FilterOp = "in"
	FilterGt  FilterOp = "gt"
	FilterGte FilterOp = "gte"
	FilterLt  FilterOp = "lt"
	FilterLte FilterOp = "lte"
)

// Filter is one predicate in a bucket's filter conjunction. Value is either
// a literal JSON value or a string of the form "claim:<name>", resolved
// from the evaluating client's claims at evaluation time.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value"`
}

// Bucket names a subset of tables plus a filter conjunction; a delta is
// visible to a client iff it matches at least one bucket for that client's
// claims.
type Bucket struct {
	Name    string   `json:"name"`
	Tables  []string `json:"tables"`
	Filters []Filter `json:"filters"`
}

// SyncRules is the versioned document governing which deltas a client may
// see. An empty Buckets slice allows everything.
type SyncRules struct {
	Version int      `json:"version"`
	Buckets []Bucket `json:"buckets"`
}
