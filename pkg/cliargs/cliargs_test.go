// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cliargs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParser() *ArgParser {
	return New([]Definition{
		{Name: "threads", Help: "number of helper threads [1,50]", Parse: IntParser(1, 50)},
		{Name: "queries", Help: "number of queries [0,10000]", Parse: IntParser(0, 10000)},
		{Name: "burst", Help: "burst group/interval", Parse: StringParser, Optional: true},
	})
}

func TestParsePositional(t *testing.T) {
	p := testParser()
	res, err := p.Parse([]string{"8", "100"})
	require.NoError(t, err)
	assert.Equal(t, 8, res["threads"].Int)
	assert.Equal(t, 100, res["queries"].Int)
}

func TestParseOptionalFlag(t *testing.T) {
	p := testParser()
	res, err := p.Parse([]string{"8", "100", "--burst", "5"})
	require.NoError(t, err)
	assert.Equal(t, "5", res["burst"].Str)
}

func TestParseTooFewArguments(t *testing.T) {
	p := testParser()
	_, err := p.Parse([]string{"8"})
	require.Error(t, err)
}

func TestParseTooManyArguments(t *testing.T) {
	p := testParser()
	_, err := p.Parse([]string{"8", "100", "200"})
	require.Error(t, err)
}

func TestParseOutOfBounds(t *testing.T) {
	p := testParser()
	_, err := p.Parse([]string{"51", "100"})
	require.Error(t, err)
}

func TestParseUnknownFlag(t *testing.T) {
	p := testParser()
	_, err := p.Parse([]string{"8", "100", "--bogus", "1"})
	require.Error(t, err)
}
