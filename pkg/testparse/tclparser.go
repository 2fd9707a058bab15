package testparse

import (
	"regexp"
	"strings"
)

var (
	tclPassRe = regexp.MustCompile(`^\[ok\]: (.+?)( \(.+\))?$`)
	tclFailRes = []*regexp.Regexp{
		regexp.MustCompile(`^\[err\]: (.+?)( \(.+\))?$`),
		regexp.MustCompile(`^\[exception\]: (.+?)( \(.+\))?$`),
	}
)

// ParseTCL parses valkey/redis-style `[ok]`/`[err]`/`[exception]` test
// runner output into a TestResult, ported from parse_log in valkey.py.
// The original does not track skips for this ecosystem.
func ParseTCL(testLog string) TestResult {
	r := newTestResult()

	for _, rawLine := range strings.Split(stripColor(testLog), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		if m := tclPassRe.FindStringSubmatch(line); m != nil {
			r.recordPass(m[1])
		}
		for _, re := range tclFailRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordFail(m[1])
			}
		}
	}

	return r.finalize()
}
