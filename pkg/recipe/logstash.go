package recipe

import (
	"fmt"

	"github.com/anthropics/swe-harness/pkg/config"
	"github.com/anthropics/swe-harness/pkg/taskio"
)

// configGradleScript primes Gradle's user home and proxy settings
// before the first build, matching config_gradle.sh in logstash.py.
const configGradleScript = `#!/bin/bash
set -e

echo 'export GRADLE_USER_HOME=/root/.gradle' >> ~/.bashrc
source ~/.bashrc

PROXY_SETTINGS=""

GRADLE_PROPERTIES="$HOME/.gradle/gradle.properties"

if [ ! -d "$HOME/.gradle" ]; then
    mkdir -p "$HOME/.gradle"
fi

if [ ! -f "$GRADLE_PROPERTIES" ]; then
    touch "$GRADLE_PROPERTIES"
fi

if ! grep -q "systemProp.http.proxyHost" "$GRADLE_PROPERTIES"; then
    echo "$PROXY_SETTINGS" >> "$GRADLE_PROPERTIES"
    echo "Added proxy settings to $GRADLE_PROPERTIES"
fi
`

// logstashBase installs a Zulu JDK 11 toolchain on ubuntu:latest,
// grounded on LogstashImageBase.
type logstashBase struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *logstashBase) Dependency() Dependency { return Dependency{Image: "ubuntu:latest"} }
func (r *logstashBase) ImageName() string      { return imageName(r.task) }
func (r *logstashBase) ImageTag() string       { return "base" }
func (r *logstashBase) Workdir() string        { return "base" }

func (r *logstashBase) Files() []File {
	return []File{{Dir: ".", Name: "config_gradle.sh", Contents: configGradleScript}}
}

func (r *logstashBase) Dockerfile() string {
	return fmt.Sprintf(`FROM %s

%s

ENV JAVA_TOOL_OPTIONS="-Dfile.encoding=UTF-8 -Duser.timezone=Asia/Shanghai"
ENV DEBIAN_FRONTEND=noninteractive
ENV LANG=C.UTF-8
ENV LC_ALL=C.UTF-8

WORKDIR /home/

RUN apt update && apt install -y gnupg ca-certificates git curl
RUN curl -s https://repos.azul.com/azul-repo.key | gpg --dearmor -o /usr/share/keyrings/azul.gpg \
    && echo "deb [signed-by=/usr/share/keyrings/azul.gpg] https://repos.azul.com/zulu/deb stable main" | tee /etc/apt/sources.list.d/zulu.list
RUN apt update && apt install -y zulu11-jdk
%s

%s

RUN bash /home/config_gradle.sh

%s
`, r.Dependency().FullName(), globalEnv, cloneOrCopy(r.task, r.needClone, r.cloneMethod), copyCommands(r.Files()), clearEnv)
}

// logstashDefault is the per-PR leaf layer, grounded on LogstashImageDefault.
type logstashDefault struct {
	task        taskio.TaskRecord
	needClone   bool
	cloneMethod config.CloneMethod
}

func (r *logstashDefault) Dependency() Dependency {
	return Dependency{Recipe: &logstashBase{task: r.task, needClone: r.needClone, cloneMethod: r.cloneMethod}}
}

func (r *logstashDefault) ImageName() string { return imageName(r.task) }
func (r *logstashDefault) ImageTag() string  { return "pr-" + r.task.TaskID }
func (r *logstashDefault) Workdir() string   { return "pr-" + r.task.TaskID }

func (r *logstashDefault) Files() []File {
	const testCmd = "./gradlew clean test --continue"
	return standardHelperFiles(r.task, testCmd, "./gradlew clean test --continue || true\n")
}

func (r *logstashDefault) Dockerfile() string {
	dep := r.Dependency()
	return fmt.Sprintf(`FROM %s

%s

%s

RUN bash /home/prepare.sh

%s
`, dep.FullName(), globalEnv, copyCommands(r.Files()), clearEnv)
}

// NewLogstash builds the leaf recipe for one elastic/logstash task.
func NewLogstash(task taskio.TaskRecord, needClone bool, cloneMethod config.CloneMethod) Recipe {
	return &logstashDefault{task: task, needClone: needClone, cloneMethod: cloneMethod}
}
