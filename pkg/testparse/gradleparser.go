package testparse

import (
	"regexp"
	"strings"
)

var (
	gradlePassRes = []*regexp.Regexp{
		regexp.MustCompile(`^> Task :(\S+)$`),
		regexp.MustCompile(`^> Task :(\S+) UP-TO-DATE$`),
		regexp.MustCompile(`^(.+ > .+) PASSED$`),
	}
	gradleFailRes = []*regexp.Regexp{
		regexp.MustCompile(`^> Task :(\S+) FAILED$`),
		regexp.MustCompile(`^(.+ > .+) FAILED$`),
	}
	gradleSkipRes = []*regexp.Regexp{
		regexp.MustCompile(`^> Task :(\S+) SKIPPED$`),
		regexp.MustCompile(`^> Task :(\S+) NO-SOURCE$`),
		regexp.MustCompile(`^(.+ > .+) SKIPPED$`),
	}
)

// ParseGradle parses `./gradlew ... --continue` output into a
// TestResult, ported line for line from parse_log in logstash.py.
//
// Gradle task names and individual test method names land in the same
// Passed/Failed sets here, matching the original exactly: a bare
// "> Task :compileJava" line and a "FooTest > testBar PASSED" line both
// just add to Passed. This is a deliberate compatibility decision, not
// an oversight — see DESIGN.md.
func ParseGradle(testLog string) TestResult {
	r := newTestResult()

	for _, line := range strings.Split(stripColor(testLog), "\n") {
		for _, re := range gradlePassRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordPass(m[1])
			}
		}
		for _, re := range gradleFailRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordFail(m[1])
			}
		}
		for _, re := range gradleSkipRes {
			if m := re.FindStringSubmatch(line); m != nil {
				r.recordSkip(m[1])
			}
		}
	}

	return r.finalize()
}
