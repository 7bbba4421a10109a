package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("GPUSPLIT_COLLECTOR", "mock")
	v, err := loadSettings([]string{"--preset", "mistral-7b", "-R"})
	require.NoError(t, err)

	assert.Equal(t, "mistral-7b", v.GetString("preset"))
	assert.Equal(t, "mock", v.GetString("collector"))
	assert.True(t, v.GetBool("read-only"))
	assert.True(t, v.GetBool("smoothing"))
}

func TestLoadOptimizerSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spec:\n  safetyMarginPct: 20\n  contextAlignment: 64\n"), 0o600))

	v, err := loadSettings([]string{"--config", path, "--max-context", "4096"})
	require.NoError(t, err)
	spec, err := loadOptimizerSpec(v)
	require.NoError(t, err)

	assert.Equal(t, 20.0, ptr.Deref(spec.SafetyMarginPct, 0))
	assert.Equal(t, 64, ptr.Deref(spec.ContextAlignment, 0))
	assert.Equal(t, 4096, ptr.Deref(spec.MaxRequestedContext, 0))
}

func TestLoadModel(t *testing.T) {
	v, err := loadSettings([]string{"--preset", "llama-2-13b", "--quantization", "INT4"})
	require.NoError(t, err)
	m, err := loadModel(v)
	require.NoError(t, err)
	assert.Equal(t, 40, m.NumLayers())

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: tiny\nnumLayers: 4\nbytesPerParam: 2\nhiddenSize: 256\n"), 0o600))
	v, err = loadSettings([]string{"--model", path})
	require.NoError(t, err)
	m, err = loadModel(v)
	require.NoError(t, err)
	assert.Equal(t, "tiny", m.Name())

	v, err = loadSettings([]string{"--preset", "gpt-5"})
	require.NoError(t, err)
	_, err = loadModel(v)
	assert.Error(t, err)
}
