package imagebuilder

import (
	"context"
	"io"
	"testing"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/engine"
	"github.com/anthropics/swe-harness/pkg/recipe"
	"github.com/anthropics/swe-harness/pkg/taskio"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	engine.ContainerEngine
	existing map[string]bool
	built    []string
	removed  []string
}

func (f *fakeEngine) ImageExists(ctx context.Context, fullName string) (bool, error) {
	return f.existing[fullName], nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, fullName string, buildContext io.Reader, forceRebuild bool) error {
	f.built = append(f.built, fullName)
	f.existing[fullName] = true
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, fullName string, force bool) error {
	f.removed = append(f.removed, fullName)
	delete(f.existing, fullName)
	return nil
}

func testTask() taskio.TaskRecord {
	return taskio.TaskRecord{TaskID: "7", Org: "valkey-io", Repo: "valkey", BaseCommit: "abc"}
}

func TestBuildBuildsMissingLayersBottomUp(t *testing.T) {
	eng := &fakeEngine{existing: map[string]bool{}}
	b := New(logrus.NewEntry(logrus.New()), eng)

	r := recipe.NewValkey(testTask(), true, config.CloneSparse)
	fullName, err := b.Build(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "valkey-io/valkey:pr-7", fullName)
	require.Len(t, eng.built, 2)
	assert.Equal(t, "valkey-io/valkey:base", eng.built[0])
	assert.Equal(t, "valkey-io/valkey:pr-7", eng.built[1])
}

func TestBuildSkipsExistingLayers(t *testing.T) {
	eng := &fakeEngine{existing: map[string]bool{"valkey-io/valkey:base": true}}
	b := New(logrus.NewEntry(logrus.New()), eng)

	r := recipe.NewValkey(testTask(), true, config.CloneSparse)
	_, err := b.Build(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, eng.built, 1)
	assert.Equal(t, "valkey-io/valkey:pr-7", eng.built[0])
}

func TestRemoveImageWarnsWhenAbsent(t *testing.T) {
	eng := &fakeEngine{existing: map[string]bool{}}
	b := New(logrus.NewEntry(logrus.New()), eng)

	r := recipe.NewValkey(testTask(), true, config.CloneSparse)
	err := b.RemoveImage(context.Background(), r)
	require.NoError(t, err)
	assert.Empty(t, eng.removed)
}
