// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthPrefixRoundTrip(t *testing.T) {
	payload := []byte(`{"clientId":"c1","deltas":[]}`)
	framed := encodeLengthPrefixed(payload)

	decoded, err := decodeLengthPrefixed(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeLengthPrefixedRejectsShortFrame(t *testing.T) {
	_, err := decodeLengthPrefixed([]byte{0, 1})
	assert.Error(t, err)
}

func TestDecodeLengthPrefixedRejectsOverlongLength(t *testing.T) {
	framed := encodeLengthPrefixed([]byte("abc"))
	framed[3] = 0xff // claim a length far longer than the actual payload
	_, err := decodeLengthPrefixed(framed)
	assert.Error(t, err)
}
