package taskmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTaskSnapshot = `
tasks:
  - {pid: 42, comm: "app", sp0: 0xffff888000002000, sp: 0xffff888000001ff0}
env:
  42:
    PATH: /usr/bin
names:
  42: app
vmas:
  42:
    - {start: 0x400000, end: 0x401000, read: true, exec: true, name: "app"}
    - {start: 0x7ffff0000000, end: 0x7ffff0001000, write: true, name: "[stack]"}
`

func writeTaskSnapshot(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleTaskSnapshot), 0o644))
	return p
}

func TestLoadFileManagerTasks(t *testing.T) {
	m, err := LoadFileManager(writeTaskSnapshot(t))
	require.NoError(t, err)

	tasks, err := m.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 42, tasks[0].PID)
}

func TestLoadFileManagerEnvAndVMAs(t *testing.T) {
	m, err := LoadFileManager(writeTaskSnapshot(t))
	require.NoError(t, err)

	env, err := m.EnvForTask(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin", env["PATH"])

	vmas, err := m.MappedVMAs(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, vmas, 2)

	name, err := m.ProcessName(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "app", name)
}

func TestLoadFileManagerMissingFile(t *testing.T) {
	_, err := LoadFileManager("/nonexistent/path.yaml")
	assert.Error(t, err)
}
