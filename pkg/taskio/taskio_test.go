package taskio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFileArray(t *testing.T) {
	path := writeTemp(t, "tasks.json", `[
		{"task_id": "t1", "org": "valkey-io", "repo": "valkey", "base_commit": "abc123", "language": "c"},
		{"task_id": "t2", "org": "etcd-io", "repo": "etcd", "base_commit": "def456", "language": "go"}
	]`)

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "t1", records[0].TaskID)
	assert.NotEmpty(t, records[0].InstanceID)
	assert.Len(t, records[0].InstanceID, 12)
}

func TestLoadJSONL(t *testing.T) {
	path := writeTemp(t, "tasks.jsonl", "{\"task_id\": \"t1\", \"org\": \"a\", \"repo\": \"b\", \"base_commit\": \"c\", \"language\": \"go\"}\n\n")

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestLoadRejectsUnknownLanguage(t *testing.T) {
	path := writeTemp(t, "tasks.json", `{"task_id": "t1", "org": "a", "repo": "b", "base_commit": "c", "language": "cobol"}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.ParseError))
}

func TestInstanceIDIsStableAndDeterministic(t *testing.T) {
	path := writeTemp(t, "tasks.json", `{"task_id": "t1", "org": "a", "repo": "b", "base_commit": "c", "language": "go"}`)

	r1, err := Load(path)
	require.NoError(t, err)
	r2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r1[0].InstanceID, r2[0].InstanceID)
}
