// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowMessageFixedWindow(t *testing.T) {
	c := &Client{limit: 3}

	assert.True(t, c.allowMessage())
	assert.True(t, c.allowMessage())
	assert.True(t, c.allowMessage())
	assert.False(t, c.allowMessage())
}

func TestAllowMessageUnlimitedWhenZero(t *testing.T) {
	c := &Client{limit: 0}
	for i := 0; i < 1000; i++ {
		assert.True(t, c.allowMessage())
	}
}
