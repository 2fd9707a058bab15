package testparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGoStickyFailure(t *testing.T) {
	log := `--- PASS: TestFoo
--- FAIL: TestFoo
--- PASS: TestFoo
`
	result := ParseGo(log)
	assert.True(t, result.Failed["TestFoo"])
	assert.False(t, result.Passed["TestFoo"])
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, 0, result.PassedCount)
}

func TestParseGoSubtestRollup(t *testing.T) {
	log := "--- PASS: TestFoo/SubA\n--- PASS: TestFoo/SubB\n"
	result := ParseGo(log)
	assert.True(t, result.Passed["TestFoo"])
	assert.Equal(t, 1, result.PassedCount)
}

func TestParseGoSkipRemovedOnLaterFail(t *testing.T) {
	log := "--- SKIP: TestBar\n--- FAIL: TestBar\n"
	result := ParseGo(log)
	assert.True(t, result.Failed["TestBar"])
	assert.False(t, result.Skipped["TestBar"])
}

func TestParseTCL(t *testing.T) {
	log := `[ok]: SET and GET against non existing key
[err]: EXPIRE - set timeouts multiple times (given 1)
[exception]: foo bar
`
	result := ParseTCL(log)
	assert.Equal(t, 1, result.PassedCount)
	assert.Equal(t, 2, result.FailedCount)
}

func TestParseGradleTaskAndTestNamesShareOneSet(t *testing.T) {
	log := `> Task :compileJava
> Task :test
FooTest > barMethod PASSED
FooTest > bazMethod FAILED
> Task :otherTest SKIPPED
`
	result := ParseGradle(log)
	assert.True(t, result.Passed["compileJava"])
	assert.True(t, result.Passed["FooTest > barMethod"])
	assert.True(t, result.Failed["FooTest > bazMethod"])
	assert.True(t, result.Skipped["otherTest"])
}

func TestParseGradleFailedTaskRemovedFromPassed(t *testing.T) {
	log := `> Task :build
> Task :build FAILED
`
	result := ParseGradle(log)
	assert.False(t, result.Passed["build"])
	assert.True(t, result.Failed["build"])
}

func TestParseGoStripsAnsiColorCodes(t *testing.T) {
	log := "\x1b[32m--- PASS: TestFoo\x1b[0m\n"
	result := ParseGo(log)
	assert.True(t, result.Passed["TestFoo"])
}
