package errlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordAppends(t *testing.T) {
	dir := t.TempDir()

	log := Open(dir, "EJ", nil)
	log.Record("Stage failed", errors.New("deadlock victim"), zap.String("stage", "GatherCaseIDs"))
	require.NoError(t, log.Close())

	log = Open(dir, "EJ", nil)
	log.Record("Stage failed", errors.New("timeout"), zap.String("stage", "UpdateJoins"))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(filepath.Join(dir, "PreDMSErrorLog_EJ.txt"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "GatherCaseIDs")
	require.Contains(t, lines[0], "deadlock victim")
	require.Contains(t, lines[1], "UpdateJoins")
	require.Contains(t, lines[1], "ERROR")
}

func TestOpenFallsBackToNop(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	log := Open(filepath.Join(blocker, "sub"), "LOBS", nil)
	require.NotPanics(t, func() {
		log.Record("Column failed", errors.New("x"))
	})
	require.NoError(t, log.Close())
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Record("ignored", nil)
	require.Equal(t, "", log.Path())
	require.NoError(t, log.Close())
}
