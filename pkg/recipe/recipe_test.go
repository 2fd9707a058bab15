package recipe

import (
	"testing"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTask(org, repo string) taskio.TaskRecord {
	return taskio.TaskRecord{
		TaskID:     "1",
		Org:        org,
		Repo:       repo,
		BaseCommit: "deadbeef",
		TestPatch:  "diff --git a/t b/t",
		FixPatch:   "diff --git a/f b/f",
	}
}

func TestRegistryUnknownRepoFailsFast(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build(testTask("nobody", "nothing"), true, config.CloneSparse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipe registered")
}

func TestRegistryKnownReposBuild(t *testing.T) {
	reg := NewRegistry()
	for _, tc := range []struct{ org, repo string }{
		{"valkey-io", "valkey"},
		{"etcd-io", "etcd"},
		{"elastic", "logstash"},
	} {
		r, err := reg.Build(testTask(tc.org, tc.repo), true, config.CloneSparse)
		require.NoError(t, err)
		assert.Equal(t, tc.org+"/"+tc.repo, r.ImageName())
		assert.Equal(t, "pr-1", r.ImageTag())
	}
}

func TestLayersOrderedRootFirst(t *testing.T) {
	reg := NewRegistry()
	r, err := reg.Build(testTask("valkey-io", "valkey"), true, config.CloneSparse)
	require.NoError(t, err)

	layers := Layers(r)
	require.Len(t, layers, 2)
	assert.Equal(t, "base", layers[0].ImageTag())
	assert.Equal(t, "pr-1", layers[1].ImageTag())
}

func TestValkeyDockerfileUsesWhitespaceNowarnOnTestPatch(t *testing.T) {
	r := NewValkey(testTask("valkey-io", "valkey"), true, config.CloneSparse)
	df := r.Dockerfile()
	assert.Contains(t, df, "RUN bash /home/prepare.sh")

	var patchApply string
	for _, f := range r.Files() {
		if f.Name == "test-run.sh" {
			patchApply = f.Contents
		}
	}
	assert.Contains(t, patchApply, "git apply --whitespace=nowarn /home/test.patch")
}

func TestEtcdInjectsResolveGoFileScript(t *testing.T) {
	r := NewEtcd(testTask("etcd-io", "etcd"), true, config.CloneSparse)
	var found bool
	for _, f := range r.Files() {
		if f.Name == "resolve_go_file.sh" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLogstashInjectsConfigGradleScript(t *testing.T) {
	r := NewLogstash(testTask("elastic", "logstash"), true, config.CloneSparse)
	df := r.Dependency().Recipe.Dockerfile()
	assert.Contains(t, df, "RUN bash /home/config_gradle.sh")
}

func TestCloneOrCopyFullUsesGitClone(t *testing.T) {
	r := NewValkey(testTask("valkey-io", "valkey"), true, config.CloneFull)
	base := r.Dependency().Recipe
	assert.Contains(t, base.Dockerfile(), "RUN git clone https://github.com/valkey-io/valkey.git /home/valkey")
}

func TestCloneOrCopySparseUsesShallowFetch(t *testing.T) {
	r := NewValkey(testTask("valkey-io", "valkey"), true, config.CloneSparse)
	base := r.Dependency().Recipe
	df := base.Dockerfile()
	assert.Contains(t, df, "git fetch --depth 1 origin deadbeef")
	assert.Contains(t, df, "git checkout FETCH_HEAD")
	assert.NotContains(t, df, "git clone https://github.com")
}

func TestCloneOrCopyNoCloneUsesLocalCopy(t *testing.T) {
	r := NewValkey(testTask("valkey-io", "valkey"), false, config.CloneSparse)
	base := r.Dependency().Recipe
	assert.Contains(t, base.Dockerfile(), "COPY valkey /home/valkey")
}
