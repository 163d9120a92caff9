package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/maxwatch/internal/web"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range NewRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"server", "version", "keys", "hashpw", "migrate", "tasks"} {
		assert.True(t, names[want], want)
	}
}

func TestKeys_WritesEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie.env")
	_, err := run(t, "", "keys", "--out", path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "COOKIE_HASH_KEY="))
	assert.True(t, strings.HasPrefix(lines[1], "COOKIE_BLOCK_KEY="))
}

func TestKeys_PrintsExports(t *testing.T) {
	out, err := run(t, "", "keys")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "export COOKIE_"))
}

func TestHashPW_FromStdin(t *testing.T) {
	out, err := run(t, "operator\n", "hashpw")
	require.NoError(t, err)
	assert.True(t, web.CheckPassword(strings.TrimSpace(out), "operator"))

	_, err = run(t, "\n", "hashpw")
	assert.Error(t, err)
}

func TestTasks_RefusesMemoryStore(t *testing.T) {
	t.Setenv("COOKIE_HASH_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("COOKIE_BLOCK_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("TASK_STORE", "memory")

	_, err := run(t, "", "tasks", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestQuiet(t *testing.T) {
	assert.NoError(t, quiet(context.Canceled))
	assert.NoError(t, quiet(nil))
	boom := errors.New("boom")
	assert.Equal(t, boom, quiet(boom))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://maxwatch:xxxxx@db:5432/maxwatch", redactURL("postgres://maxwatch:secret@db:5432/maxwatch"))
}
