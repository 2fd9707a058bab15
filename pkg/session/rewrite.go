package session

import (
	"fmt"
	"strings"
)

// rewriteAction pre-processes an agent action the same few ecosystem
// tools get special-cased for in the original harness: some build
// tools swallow the end-marker echo, and some long-running dev-server
// commands hang attached to the main shell forever. Ported from
// action_hacking with the same two rewrite families and the same
// "first match wins" ordering.
func rewriteAction(action string) string {
	for _, cmd := range gradleHackCommands {
		if strings.Contains(action, cmd) {
			return strings.TrimRight(action, " \t\r\n") +
				fmt.Sprintf("; echo %s$?%s\n", processDoneMarkerStart, processDoneMarkerEnd)
		}
	}

	for _, cmd := range detachedRunCommands {
		if strings.Contains(action, cmd) {
			return fmt.Sprintf("(nohup  %s & > /dev/null) && sleep 30 && cat /dev/null \n", action)
		}
	}

	return action
}

var gradleHackCommands = []string{"./gradlew"}

var detachedRunCommands = []string{"npm run", "yarn run"}
