package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPU(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"500m", 0.5},
		{"2", 2.0},
		{"1000m", 1.0},
		{"0.5", 0.5},
		{"250m", 0.25},
	}
	for _, tt := range tests {
		got, err := ParseCPU(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestParseCPUInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "m", "1.5m"} {
		_, err := ParseCPU(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1Gi", 1024},
		{"1G", 1000},
		{"512Mi", 512},
		{"512M", 512},
		{"2Gi", 2048},
		{"256", 256},
	}
	for _, tt := range tests {
		got, err := ParseMemory(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestParseMemoryInvalid(t *testing.T) {
	for _, input := range []string{"", "xyz", "Gi", "1.5Gi"} {
		_, err := ParseMemory(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestErrorCodesAndKinds(t *testing.T) {
	err := NewError(CodeSpawnTimeout, KindTimeout, "lifecycle.Spawn", "a1", ErrSpawnTimeout)

	assert.Equal(t, CodeSpawnTimeout, CodeOf(err))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, ErrSpawnTimeout)
	assert.Contains(t, err.Error(), "lifecycle.Spawn")
	assert.Contains(t, err.Error(), "a1")
}
