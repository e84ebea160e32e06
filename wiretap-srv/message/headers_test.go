package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersCaseInsensitive(t *testing.T) {
	for _, name := range []string{"Content-Type", "content-type", "CONTENT-TYPE", "cOnTeNt-TyPe"} {
		h := NewHeaders()
		h.Add(name, "text/plain")
		assert.True(t, h.Has("Content-Type"), name)
		assert.Equal(t, "text/plain", h.Get("CONTENT-type"), name)
		assert.Equal(t, []string{"content-type"}, h.Keys(), name)
	}
}

func TestHeadersSerializeRoundTrip(t *testing.T) {
	h := NewHeaders()
	h.Add("X", "1")
	h.Add("X", "2")
	line := h.String()
	assert.Equal(t, "x: 1, 2\r\n", line)

	parsed := NewHeaders()
	require.NoError(t, parsed.AddLine(line[:len(line)-2], true))
	assert.Equal(t, []string{"1", "2"}, parsed.Values("x"))
}

func TestHeadersInsertionOrder(t *testing.T) {
	h := NewHeaders()
	h.Add("B", "1")
	h.Add("A", "1")
	h.Add("C", "1")
	h.Add("B", "2")
	h.Set("A", "3")
	h.Add("c", "2")

	assert.Equal(t, []string{"b", "a", "c"}, h.Keys())
	assert.Equal(t, "b: 1, 2\r\na: 3\r\nc: 1, 2\r\n", h.String())

	h.Del("a")
	h.Add("A", "4")
	assert.Equal(t, []string{"b", "c", "a"}, h.Keys())
	assert.Equal(t, 3, h.Len())
}

func TestHeadersWireLines(t *testing.T) {
	h := NewHeaders()
	require.NoError(t, h.AddLine("Accept: text/html, application/json", false))
	require.NoError(t, h.AddLine("Accept: */*", false))
	assert.Equal(t, []string{"text/html, application/json", "*/*"}, h.Values("accept"))

	err := h.AddLine("NoSeparator", false)
	assert.ErrorIs(t, err, ErrMalformedHeader)
	err = h.AddLine("Key:value", false)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeadersClone(t *testing.T) {
	h := NewHeaders()
	h.Add("A", "1")
	c := h.Clone()
	c.Add("A", "2")
	c.Add("B", "1")
	assert.Equal(t, []string{"1"}, h.Values("a"))
	assert.False(t, h.Has("b"))
	assert.Nil(t, h.Values("missing"))
}

func TestHeadersZeroValue(t *testing.T) {
	var h Headers
	assert.False(t, h.Has("a"))
	assert.Empty(t, h.String())
	h.Add("A", "1")
	h.Set("B", "2", "3")
	require.NoError(t, h.AddLine("C: 4", false))
	assert.Equal(t, []string{"a", "b", "c"}, h.Keys())
	assert.Equal(t, "a: 1\r\nb: 2, 3\r\nc: 4\r\n", h.String())
}
