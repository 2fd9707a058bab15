package recipe

import (
	"fmt"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/taskio"
)

// etcdBase is the golang:latest toolchain layer, grounded on EtcdImageBase.
type etcdBase struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *etcdBase) Dependency() Dependency { return Dependency{Image: "golang:latest"} }
func (r *etcdBase) Files() []File          { return nil }
func (r *etcdBase) ImageName() string      { return imageName(r.task) }
func (r *etcdBase) ImageTag() string       { return "base" }
func (r *etcdBase) Workdir() string        { return "base" }

func (r *etcdBase) Dockerfile() string {
	return fmt.Sprintf(`FROM %s

%s

WORKDIR /home/

%s

%s
`, r.Dependency().FullName(), globalEnv, cloneOrCopy(r.task, r.needClone, r.cloneMethod), clearEnv)
}

// resolveGoFileScript is a companion script etcd.py ships alongside
// prepare.sh: some etcd-era fixtures store a go file's *target path* as
// its content (a relocation marker left by the fixture generator) and
// need resolving before the warm-up test run. It is always injected
// since running it is a no-op when no file matches.
const resolveGoFileScript = `#!/bin/bash

if [ -z "$1" ]; then
  echo "Usage: $0 <repository_path>"
  exit 1
fi

REPO_PATH="$1"

find "$REPO_PATH" -type f -name "*.go" | while read -r file; do
  if [[ $(cat "$file") =~ ^[./a-zA-Z0-9_-]+\.go$ ]]; then
    echo "Checking $file"
    target_path=$(cat "$file")
    abs_target_path=$(realpath -m "$(dirname "$file")/$target_path")

    if [ -f "$abs_target_path" ]; then
      echo "Replacing $file with content from $abs_target_path"
      cat "$abs_target_path" > "$file"
    else
      echo "Warning: Target file $abs_target_path does not exist for $file"
    fi
  fi
done

echo "Done!"
`

// etcdDefault is the per-PR leaf layer, grounded on EtcdImageDefault.
type etcdDefault struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *etcdDefault) Dependency() Dependency {
	return Dependency{Recipe: &etcdBase{task: r.task, needClone: r.needClone, cloneMethod: r.cloneMethod}}
}

func (r *etcdDefault) ImageName() string { return imageName(r.task) }
func (r *etcdDefault) ImageTag() string  { return "pr-" + r.task.TaskID }
func (r *etcdDefault) Workdir() string   { return "pr-" + r.task.TaskID }

func (r *etcdDefault) Files() []File {
	const testCmd = "go test -v -count=1 ./..."
	extraPrepare := "bash /home/resolve_go_file.sh /home/" + r.task.Repo + "\n" +
		"go test -v -count=1 ./... || true\n"
	files := standardHelperFiles(r.task, testCmd, extraPrepare)
	files = append(files, File{Dir: ".", Name: "resolve_go_file.sh", Contents: resolveGoFileScript})
	return files
}

func (r *etcdDefault) Dockerfile() string {
	dep := r.Dependency()
	return fmt.Sprintf(`FROM %s

%s

%s

RUN bash /home/prepare.sh

%s
`, dep.FullName(), globalEnv, copyCommands(r.Files()), clearEnv)
}

// NewEtcd builds the leaf recipe for one etcd-io/etcd task.
func NewEtcd(task taskio.TaskRecord, needClone bool, cloneMethod config.CloneMethod) Recipe {
	return &etcdDefault{task: task, needClone: needClone, cloneMethod: cloneMethod}
}
