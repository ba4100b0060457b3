package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	require.Equal(t, "nchw", cfg.Presence.Layout)
	require.Equal(t, "nhwc", cfg.Face.Layout)
	require.Equal(t, 1, cfg.PoolSize)
	require.Equal(t, 800, cfg.MaxPhotoSide)
	require.Equal(t, 2500*time.Millisecond, cfg.Pacing.LeadIn)
	require.Equal(t, 5*time.Second, cfg.Pacing.MinStage)
	require.Equal(t, time.Second, cfg.Pacing.StagePause)
	require.False(t, cfg.Debug)
	require.Equal(t, filepath.Join("assets", "models", "cat_body.onnx"), cfg.ModelPath(cfg.Presence))
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("MODEL_POOL_SIZE", "2")
	t.Setenv("PACING_MIN_STAGE", "0s")
	t.Setenv("SEVERITY_LAYOUT", "NCHW")
	t.Setenv("DEBUG", "true")
	t.Setenv("FACE_MODEL", "/opt/models/face.onnx")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.Equal(t, 2, cfg.PoolSize)
	require.Zero(t, cfg.Pacing.MinStage)
	require.Equal(t, "nchw", cfg.Severity.Layout)
	require.True(t, cfg.Debug)
	require.Equal(t, "/opt/models/face.onnx", cfg.ModelPath(cfg.Face))
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"MODEL_POOL_SIZE":  "zero",
		"PACING_LEAD_IN":   "soon",
		"PRESENCE_LAYOUT":  "nwhc",
		"LOG_LEVEL":        "loud",
		"PACING_MIN_STAGE": "-1s",
		"MAX_PHOTO_SIDE":   "10",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestRequireRuntime(t *testing.T) {
	dir := t.TempDir()
	cfg, err := FromEnv()
	require.NoError(t, err)

	require.ErrorContains(t, cfg.RequireRuntime(), "ORT_LIBRARY_PATH")

	lib := filepath.Join(dir, "libonnxruntime.so")
	require.NoError(t, os.WriteFile(lib, []byte("x"), 0o600))
	cfg.OrtLibraryPath = lib
	cfg.ModelDir = dir
	require.ErrorContains(t, cfg.RequireRuntime(), "model file")

	for _, m := range []ModelConfig{cfg.Presence, cfg.Face, cfg.Severity} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m.File), []byte("onnx"), 0o600))
	}
	require.NoError(t, cfg.RequireRuntime())
}
