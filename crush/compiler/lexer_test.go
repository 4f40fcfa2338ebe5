package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLex_TokenKindsAndPositions(t *testing.T) {
	toks, _, err := lex("t", "device 0 osd-a {\n\tweight 1.5 -2\n}")
	require.NoError(t, err)

	want := []token{
		{tokIdent, "device", 1, 1},
		{tokInt, "0", 1, 8},
		{tokIdent, "osd-a", 1, 10},
		{tokLBrace, "{", 1, 16},
		{tokIdent, "weight", 2, 2},
		{tokFloat, "1.5", 2, 9},
		{tokInt, "-2", 2, 13},
		{tokRBrace, "}", 3, 1},
		{tokEOF, "", 3, 2},
	}
	assert.Equal(t, want, toks)
}

func TestLex_CommentsDiscarded(t *testing.T) {
	toks, _, err := lex("t", "# a comment\ndevice 0 osd0 # trailing\n# another\n")
	require.NoError(t, err)
	require.Len(t, toks, 4) // device, 0, osd0, EOF
	assert.Equal(t, "device", toks[0].text)
	assert.Equal(t, 2, toks[0].line)
}

func TestLex_BadCharacterReported(t *testing.T) {
	_, _, err := lex("map.txt", "device 0 osd0\ntype 0 @device\n")
	require.Error(t, err)
	perr, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, 2, perr.Line)
	assert.Equal(t, 8, perr.Col)
	assert.Equal(t, "map.txt:2: error: parse error at '@device'", perr.Error())
}

func TestLex_SignWithoutDigitsRejected(t *testing.T) {
	_, _, err := lex("t", "device - osd0")
	require.Error(t, err)
}
