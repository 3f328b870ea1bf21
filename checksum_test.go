package offlinecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumString(t *testing.T) {
	// BLAKE3 checksum of empty input
	c := SumBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, c.String())
}

func TestChecksumIsZero(t *testing.T) {
	var zero Checksum
	require.True(t, zero.IsZero())

	c := SumBytes([]byte("test"))
	require.False(t, c.IsZero())
}

func TestChecksumMarshalUnmarshal(t *testing.T) {
	original := SumBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Checksum
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseChecksum(t *testing.T) {
	original := SumBytes([]byte("parse test"))

	parsed, err := ParseChecksum(original.String())
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseChecksumInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChecksum(tt.input)
			require.Error(t, err)
		})
	}
}

func TestSumBytes(t *testing.T) {
	data := []byte("hello world")
	c1 := SumBytes(data)
	c2 := SumBytes(data)

	require.Equal(t, c1, c2)

	c3 := SumBytes([]byte("different"))
	require.NotEqual(t, c1, c3)
}
