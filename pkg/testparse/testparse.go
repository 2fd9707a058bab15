// Package testparse turns raw test-runner output into a normalized
// TestResult, one parser per language ecosystem, grounded on parse_log
// in original_source/multi_swe_bench/harness/repos/{c/valkey_io,golang/etcd_io,java/elastic}/*.py.
// Every parser is a pure function and shares the same ordering
// contract: a failed match is sticky (a later pass on the same name is
// ignored), and a skip is revoked if the name later fails.
package testparse

import "github.com/acarl005/stripansi"

// stripColor removes ANSI color codes a test runner (Gradle, go test
// -v, TCL) may have emitted, since they land mid-token and would
// otherwise break the anchored regexes below.
func stripColor(testLog string) string {
	return stripansi.Strip(testLog)
}

// TestResult is the outcome of one test run.
type TestResult struct {
	PassedCount  int
	FailedCount  int
	SkippedCount int
	Passed       map[string]bool
	Failed       map[string]bool
	Skipped      map[string]bool
}

func newTestResult() *TestResult {
	return &TestResult{
		Passed:  map[string]bool{},
		Failed:  map[string]bool{},
		Skipped: map[string]bool{},
	}
}

func (r *TestResult) recordPass(name string) {
	if r.Failed[name] {
		return
	}
	r.Passed[name] = true
}

func (r *TestResult) recordFail(name string) {
	delete(r.Passed, name)
	delete(r.Skipped, name)
	r.Failed[name] = true
}

func (r *TestResult) recordSkip(name string) {
	if r.Failed[name] {
		return
	}
	r.Skipped[name] = true
}

func (r *TestResult) finalize() TestResult {
	r.PassedCount = len(r.Passed)
	r.FailedCount = len(r.Failed)
	r.SkippedCount = len(r.Skipped)
	return *r
}

// Parser is the per-ecosystem `string -> TestResult` pure function type
// that ParseGo, ParseTCL and ParseGradle satisfy. Nothing in the module
// selects a Parser by TaskRecord.Language.
type Parser func(testLog string) TestResult
