package recipe

import (
	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/anthropics/swe-harness/pkg/taskio"
)

// Constructor builds a leaf Recipe for one task of a known (org, repo).
type Constructor func(task taskio.TaskRecord, needClone bool, cloneMethod config.CloneMethod) Recipe

// Registry maps (org, repo) to a recipe constructor. Lookup is exact;
// unknown pairs fail fast, matching spec §4.A.
type Registry struct {
	constructors map[string]Constructor
}

func key(org, repo string) string { return org + "/" + repo }

// NewRegistry returns a Registry pre-populated with every recipe this
// harness ships.
func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register("valkey-io", "valkey", NewValkey)
	r.Register("etcd-io", "etcd", NewEtcd)
	r.Register("elastic", "logstash", NewLogstash)
	return r
}

// Register adds or replaces the constructor for (org, repo).
func (r *Registry) Register(org, repo string, ctor Constructor) {
	r.constructors[key(org, repo)] = ctor
}

// Build looks up and constructs the recipe for task.Org/task.Repo,
// cloning the repository with cloneMethod when needClone is set.
func (r *Registry) Build(task taskio.TaskRecord, needClone bool, cloneMethod config.CloneMethod) (Recipe, error) {
	ctor, ok := r.constructors[key(task.Org, task.Repo)]
	if !ok {
		return nil, harnesserr.New(harnesserr.ConfigError, "no recipe registered for %s/%s", task.Org, task.Repo)
	}
	return ctor(task, needClone, cloneMethod), nil
}
