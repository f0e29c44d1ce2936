package provider

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedLineReader(t *testing.T) {
	r := NewBoundedLineReader(strings.NewReader("one\ntwo\r\nthree"), 1024)

	line, truncated, err := r.ReadLine()
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "one", string(line))

	line, _, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "two", string(line))

	// Final line without trailing newline.
	line, _, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "three", string(line))

	_, _, err = r.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestBoundedLineReaderDiscardsOverlongLine(t *testing.T) {
	input := strings.Repeat("x", 300*1024) + "\nshort\n"
	r := NewBoundedLineReader(strings.NewReader(input), 64)

	line, truncated, err := r.ReadLine()
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Nil(t, line)

	// The stream continues after the discard.
	line, truncated, err = r.ReadLine()
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "short", string(line))
}

func TestBoundedLineReaderEmptyInput(t *testing.T) {
	r := NewBoundedLineReader(strings.NewReader(""), 64)
	_, _, err := r.ReadLine()
	assert.Equal(t, io.EOF, err)
}
