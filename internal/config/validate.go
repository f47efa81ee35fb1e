// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateAgainst checks instance against an ad-hoc schema string, used for
// connector type-specific config that isn't one of pkg/schema's embedded
// documents (each connector type may ship its own JSON Schema for its
// typeConfig block).
func ValidateAgainst(schemaDoc string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("schema.json", schemaDoc)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: decode instance: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
