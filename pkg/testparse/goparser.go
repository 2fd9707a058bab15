package testparse

import (
	"regexp"
	"strings"
)

var (
	goPassRes = []*regexp.Regexp{
		regexp.MustCompile(`^--- PASS: (\S+)`),
	}
	goFailRes = []*regexp.Regexp{
		regexp.MustCompile(`^--- FAIL: (\S+)`),
		regexp.MustCompile(`^FAIL:?\s?(.+?)\s`),
	}
	goSkipRes = []*regexp.Regexp{
		regexp.MustCompile(`^--- SKIP: (\S+)`),
	}
)

// goBaseName strips a hierarchical subtest's last "/"-segment so a
// subtest rollup (TestFoo/SubA) matches its parent (TestFoo), ported
// from get_base_name in etcd.py.
func goBaseName(testName string) string {
	idx := strings.LastIndex(testName, "/")
	if idx == -1 {
		return testName
	}
	return testName[:idx]
}

// ParseGo parses `go test -v` output into a TestResult.
func ParseGo(testLog string) TestResult {
	r := newTestResult()

	for _, rawLine := range strings.Split(stripColor(testLog), "\n") {
		line := strings.TrimSpace(rawLine)

		for _, re := range goPassRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordPass(goBaseName(m[1]))
			}
		}
		for _, re := range goFailRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordFail(goBaseName(m[1]))
			}
		}
		for _, re := range goSkipRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordSkip(goBaseName(m[1]))
			}
		}
	}

	return r.finalize()
}
