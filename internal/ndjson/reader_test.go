package ndjson

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\n\n  \n{\"b\":2}\r\n{\"c\":3}"))

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"c":3}`, string(line))

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRecord_SkipsMalformed(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\nnot json\n{\"trunc\":\n{\"b\":2}\n"))

	var skipped []string
	onSkip := func(line []byte, err error) { skipped = append(skipped, string(line)) }

	line, err := r.ReadRecord(onSkip)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	line, err = r.ReadRecord(onSkip)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))
	assert.Equal(t, []string{"not json", `{"trunc":`}, skipped)

	_, err = r.ReadRecord(nil)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLine_LongLineSpansBuffer(t *testing.T) {
	long := `{"v":"` + strings.Repeat("x", 200*1024) + `"}`
	r := NewReader(strings.NewReader(long + "\n{}\n"))

	line, err := r.ReadRecord(nil)
	require.NoError(t, err)
	assert.Len(t, line, len(long))

	line, err = r.ReadRecord(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(line))
}
