// Package taskio loads TaskRecords from JSON/JSONL task files, grounded
// on get_instances/InstanceBuilder in
// original_source/sweagent/environment/utils.py, trimmed to the fields
// spec.md's data model names. It does not fetch issues from GitHub: the
// record already carries its resolved issue payloads, matching the
// spec's explicit scope cut (no GitHub API client).
package taskio

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"github.com/anthropics/swe-harness/pkg/harnesserr"
)

// Language is a declared task language, restricted to the closed set in
// validLanguages. pkg/testparse and pkg/recipe do not cover every
// language in that set.
type Language string

const (
	LanguageC          Language = "c"
	LanguageCPP        Language = "cpp"
	LanguageGo         Language = "go"
	LanguageJava       Language = "java"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguageRust       Language = "rust"
)

var validLanguages = map[Language]bool{
	LanguageC: true, LanguageCPP: true, LanguageGo: true, LanguageJava: true,
	LanguageJavaScript: true, LanguageTypeScript: true, LanguageRust: true,
}

// IssuePayload is one resolved GitHub issue attached to a task, already
// fetched by whatever produced the task file.
type IssuePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// EnvSetup is an optional environment-setup descriptor (e.g. a conda
// env yaml, a list of apt packages) a recipe may consult.
type EnvSetup struct {
	Commands []string `json:"commands,omitempty"`
}

// TaskRecord is one SWE-bench-shaped task: immutable once loaded.
type TaskRecord struct {
	TaskID     string         `json:"task_id"`
	Org        string         `json:"org"`
	Repo       string         `json:"repo"`
	BaseCommit string         `json:"base_commit"`
	TestPatch  string         `json:"test_patch"`
	FixPatch   string         `json:"fix_patch"`
	Issues     []IssuePayload `json:"issues"`
	Language   Language       `json:"language"`
	EnvSetup   *EnvSetup      `json:"env_setup,omitempty"`

	// InstanceID keys the image cache and container name. Defaulted
	// from sha256(org/repo + base_commit)[:12] if absent, following
	// _get_container_name/_get_cached_task_image_name in swe_env.py.
	InstanceID string `json:"instance_id,omitempty"`
}

func (t *TaskRecord) applyDefaults() error {
	if !validLanguages[t.Language] {
		return harnesserr.New(harnesserr.ParseError, "task %s: unrecognized language %q", t.TaskID, t.Language)
	}
	if t.InstanceID == "" {
		sum := sha256.Sum256([]byte(t.Org + "/" + t.Repo + t.BaseCommit))
		t.InstanceID = hex.EncodeToString(sum[:])[:12]
	}
	return nil
}

// LoadFile reads a single JSON task record (array or object) from path.
func LoadFile(path string) ([]TaskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, harnesserr.WrapError(err)
	}
	return decodeJSON(data, path)
}

// LoadJSONL reads one TaskRecord per non-empty line.
func LoadJSONL(path string) ([]TaskRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, harnesserr.WrapError(err)
	}
	defer f.Close()

	var records []TaskRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec TaskRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, harnesserr.New(harnesserr.ParseError, "%s:%d: %v", path, lineNo, err)
		}
		if err := rec.applyDefaults(); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, harnesserr.WrapError(err)
	}
	return records, nil
}

func decodeJSON(data []byte, path string) ([]TaskRecord, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var records []TaskRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, harnesserr.New(harnesserr.ParseError, "%s: %v", path, err)
		}
		for i := range records {
			if err := records[i].applyDefaults(); err != nil {
				return nil, err
			}
		}
		return records, nil
	}
	var rec TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, harnesserr.New(harnesserr.ParseError, "%s: %v", path, err)
	}
	if err := rec.applyDefaults(); err != nil {
		return nil, err
	}
	return []TaskRecord{rec}, nil
}

// Load dispatches to LoadJSONL or LoadFile by extension.
func Load(path string) ([]TaskRecord, error) {
	if strings.HasSuffix(path, ".jsonl") {
		return LoadJSONL(path)
	}
	return LoadFile(path)
}
