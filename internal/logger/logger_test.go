package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithRenamedKeys(t *testing.T) {
	t.Setenv("ENV", "dev")
	log := New("debug").(*logrus.Logger)
	require.Equal(t, logrus.DebugLevel, log.GetLevel())

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithField("trainer_id", "t-1").Info("reconciled")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "reconciled", entry["message"])
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "t-1", entry["trainer_id"])
	require.Contains(t, entry, "timestamp")
}

func TestNewDiscardsInTestEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	log := New("nonsense").(*logrus.Logger)
	require.Equal(t, io.Discard, log.Out)
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}
