package recipe

import (
	"fmt"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/taskio"
)

// valkeyBase is the toolchain layer shared by every valkey PR image,
// grounded on ValkeyImageBase in valkey.py.
type valkeyBase struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *valkeyBase) Dependency() Dependency { return Dependency{Image: "ubuntu:22.04"} }
func (r *valkeyBase) Files() []File          { return nil }
func (r *valkeyBase) ImageName() string      { return imageName(r.task) }
func (r *valkeyBase) ImageTag() string       { return "base" }
func (r *valkeyBase) Workdir() string        { return "base" }

func (r *valkeyBase) Dockerfile() string {
	return fmt.Sprintf(`FROM %s

%s

WORKDIR /home/
ENV DEBIAN_FRONTEND=noninteractive
ENV LANG=C.UTF-8
ENV LC_ALL=C.UTF-8
RUN apt update && apt install -y git make gcc pkg-config libjemalloc-dev build-essential autoconf automake libtool tcl tclx libssl-dev libpsl-dev

%s

%s
`, r.Dependency().FullName(), globalEnv, cloneOrCopy(r.task, r.needClone, r.cloneMethod), clearEnv)
}

// valkeyDefault is the per-PR leaf layer, grounded on ValkeyImageDefault.
type valkeyDefault struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *valkeyDefault) Dependency() Dependency {
	return Dependency{Recipe: &valkeyBase{task: r.task, needClone: r.needClone, cloneMethod: r.cloneMethod}}
}

func (r *valkeyDefault) ImageName() string { return imageName(r.task) }
func (r *valkeyDefault) ImageTag() string  { return "pr-" + r.task.TaskID }
func (r *valkeyDefault) Workdir() string   { return "pr-" + r.task.TaskID }

func (r *valkeyDefault) Files() []File {
	const testCmd = "make distclean\nmake -j4\nmake test"
	files := standardHelperFiles(r.task, testCmd, "")
	// valkey applies the test patch with --whitespace=nowarn; patch the
	// two scripts that apply it in place of the shared template's plain
	// git apply, matching test-run.sh/fix-run.sh in valkey.py.
	for i := range files {
		switch files[i].Name {
		case "test-run.sh":
			files[i].Contents = "#!/bin/bash\nset -e\n\ncd /home/" + r.task.Repo + "\n" +
				"git apply --whitespace=nowarn /home/test.patch\n" + testCmd + "\n"
		case "fix-run.sh":
			files[i].Contents = "#!/bin/bash\nset -e\n\ncd /home/" + r.task.Repo + "\n" +
				"git apply --whitespace=nowarn /home/test.patch /home/fix.patch\n" + testCmd + "\n"
		}
	}
	return files
}

func (r *valkeyDefault) Dockerfile() string {
	dep := r.Dependency()
	return fmt.Sprintf(`FROM %s

%s

%s

RUN bash /home/prepare.sh

%s
`, dep.FullName(), globalEnv, copyCommands(r.Files()), clearEnv)
}

// NewValkey builds the leaf recipe for one valkey-io/valkey task.
func NewValkey(task taskio.TaskRecord, needClone bool, cloneMethod config.CloneMethod) Recipe {
	return &valkeyDefault{task: task, needClone: needClone, cloneMethod: cloneMethod}
}
