// Package recipe implements the Image Recipe Registry: a polymorphic
// capability set {Dependency, Files, Dockerfile, ImageName, ImageTag,
// Workdir} with one concrete variant per supported repository, grounded
// on the three per-repository Image/Instance classes recovered from
// original_source/multi_swe_bench/harness/repos/ (valkey, etcd,
// logstash). Dockerfile/script composition uses plain string
// concatenation rather than text/template: the payloads being composed
// are shell scripts and Dockerfiles, and html/template (what the
// teacher's pkg/utils.ApplyTemplate wraps) would HTML-escape characters
// like `&&` and `<` that are load-bearing in those payloads.
package recipe

import (
	"strings"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/taskio"
)

// File is one file injected into a build context, relative to its
// layer's build directory.
type File struct {
	Dir      string
	Name     string
	Contents string
}

// Dependency is either a public image coordinate, or another Recipe
// this layer builds FROM.
type Dependency struct {
	Image  string
	Recipe Recipe
}

// FullName resolves to the "name:tag" a dockerfile's FROM line needs.
func (d Dependency) FullName() string {
	if d.Recipe != nil {
		return d.Recipe.ImageName() + ":" + d.Recipe.ImageTag()
	}
	return d.Image
}

// Recipe is one layer of an image build tree.
type Recipe interface {
	Dependency() Dependency
	Files() []File
	Dockerfile() string
	ImageName() string
	ImageTag() string
	Workdir() string
}

// ImageFullName is the fully-qualified tag a builder produces for r.
func ImageFullName(r Recipe) string {
	return r.ImageName() + ":" + r.ImageTag()
}

// Layers walks r to its root parent and returns the layers bottom-up
// (root first, leaf last), the order Image Builder §4.B needs to
// materialize them.
func Layers(r Recipe) []Recipe {
	var chain []Recipe
	cur := r
	for {
		chain = append(chain, cur)
		dep := cur.Dependency()
		if dep.Recipe == nil {
			break
		}
		cur = dep.Recipe
	}
	// chain is leaf-to-root; reverse it.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// globalEnv/clearEnv are the environment injection and post-build
// cleanup fragments every recipe's dockerfile() composes around its own
// steps, matching Image.global_env/Image.clear_env in the original
// (kept minimal here since the harness doesn't need a proxy-injection
// story beyond what each recipe already sets explicitly).
const (
	globalEnv = `ENV DEBIAN_FRONTEND=noninteractive`
	clearEnv  = `ENV DEBIAN_FRONTEND=`
)

// copyCommands renders one COPY line per file, the way every recipe's
// dockerfile() builds its copy_commands block.
func copyCommands(files []File) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("COPY ")
		b.WriteString(f.Name)
		b.WriteString(" /home/\n")
	}
	return b.String()
}

// imageName is "(org/repo)" lowercased, shared by every recipe's
// ImageName(), matching f"{self.pr.org}/{self.pr.repo}".lower().
func imageName(task taskio.TaskRecord) string {
	return strings.ToLower(task.Org + "/" + task.Repo)
}

// cloneOrCopy picks between a git clone and a local COPY, mirroring
// Config.need_clone in the original image base classes. When cloning,
// method selects between the original's two SWE_AGENT_CLONE_METHOD
// strategies: a full history clone, or a sparse single-commit fetch
// that skips the rest of history (_copy_repo's "fast method").
func cloneOrCopy(task taskio.TaskRecord, needClone bool, method config.CloneMethod) string {
	if !needClone {
		return "COPY " + task.Repo + " /home/" + task.Repo
	}
	cloneURL := "https://github.com/" + task.Org + "/" + task.Repo + ".git"
	if method == config.CloneFull {
		return "RUN git clone " + cloneURL + " /home/" + task.Repo
	}
	return "RUN mkdir /home/" + task.Repo + " && cd /home/" + task.Repo + " && git init && " +
		"git remote add origin " + cloneURL + " && " +
		"git fetch --depth 1 origin " + task.BaseCommit + " && git checkout FETCH_HEAD"
}

// standardHelperFiles returns the task's fix.patch and test.patch plus
// the five fixed helper scripts every leaf recipe injects, parameterized by the task and the repo-specific test
// invocation command, matching check_git_changes.sh/prepare.sh/run.sh/
// test-run.sh/fix-run.sh across valkey.py, etcd.py and logstash.py.
func standardHelperFiles(task taskio.TaskRecord, testCmd string, extraPrepare string) []File {
	checkGitChanges := `#!/bin/bash
set -e

if ! git rev-parse --is-inside-work-tree > /dev/null 2>&1; then
  echo "check_git_changes: Not inside a git repository"
  exit 1
fi

if [[ -n $(git status --porcelain) ]]; then
  echo "check_git_changes: Uncommitted changes"
  exit 1
fi

echo "check_git_changes: No uncommitted changes"
exit 0
`

	prepare := "#!/bin/bash\nset -e\n\ncd /home/" + task.Repo + "\n" +
		"git reset --hard\n" +
		"bash /home/check_git_changes.sh\n" +
		"git checkout " + task.BaseCommit + "\n" +
		"bash /home/check_git_changes.sh\n\n" +
		extraPrepare

	run := "#!/bin/bash\nset -e\n\ncd /home/" + task.Repo + "\n" + testCmd + "\n"

	testRun := "#!/bin/bash\nset -e\n\ncd /home/" + task.Repo + "\n" +
		"git apply /home/test.patch\n" + testCmd + "\n"

	fixRun := "#!/bin/bash\nset -e\n\ncd /home/" + task.Repo + "\n" +
		"git apply /home/test.patch /home/fix.patch\n" + testCmd + "\n"

	return []File{
		{Dir: ".", Name: "fix.patch", Contents: task.FixPatch},
		{Dir: ".", Name: "test.patch", Contents: task.TestPatch},
		{Dir: ".", Name: "check_git_changes.sh", Contents: checkGitChanges},
		{Dir: ".", Name: "prepare.sh", Contents: prepare},
		{Dir: ".", Name: "run.sh", Contents: run},
		{Dir: ".", Name: "test-run.sh", Contents: testRun},
		{Dir: ".", Name: "fix-run.sh", Contents: fixRun},
	}
}
