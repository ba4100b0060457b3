package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodedPhoto_OpenData(t *testing.T) {
	p := &EncodedPhoto{Data: []byte("jpeg")}
	rc, err := p.Open()
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(b))
}

func TestEncodedPhoto_OpenPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.jpg")
	require.NoError(t, os.WriteFile(path, []byte("bytes"), 0o600))

	rc, err := (&EncodedPhoto{Path: path}).Open()
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestEncodedPhoto_OpenFailures(t *testing.T) {
	var nilPhoto *EncodedPhoto
	require.True(t, nilPhoto.Empty())

	_, err := nilPhoto.Open()
	require.ErrorIs(t, err, ErrInput)

	_, err = (&EncodedPhoto{Path: filepath.Join(t.TempDir(), "missing.jpg")}).Open()
	require.ErrorIs(t, err, ErrInput)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestProcessingError_KindMatching(t *testing.T) {
	err := fmt.Errorf("locate face: %w", NewGeometryError("degenerate box", nil))
	require.True(t, errors.Is(err, ErrGeometry))
	require.False(t, errors.Is(err, ErrInference))
	require.Equal(t, "locate face: geometry error: degenerate box", err.Error())
}

func TestBoundingBox_Within(t *testing.T) {
	require.True(t, BoundingBox{X: 0, Y: 0, Width: 10, Height: 10}.Within(10, 10))
	require.False(t, BoundingBox{X: 1, Y: 0, Width: 10, Height: 10}.Within(10, 10))
	require.False(t, BoundingBox{X: 0, Y: 0, Width: 0, Height: 10}.Within(10, 10))
}

func TestSeverityCategory_String(t *testing.T) {
	require.Equal(t, "Healthy", Healthy.String())
	require.Equal(t, "Low Chance", LowChance.String())
	require.Equal(t, "Moderate Chance", ModerateChance.String())
	require.Equal(t, "High Chance", HighChance.String())

	b, err := HighChance.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "High Chance", string(b))
}
