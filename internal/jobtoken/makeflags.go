package jobtoken

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// jobserverFDsPattern matches the GNU-make jobserver descriptor
// announcement spec.md §6 names: " --jobserver-fds=R,W" (the leading
// space is part of the wire protocol, not an artifact of this regexp).
var jobserverFDsPattern = regexp.MustCompile(`--jobserver-fds=(\d+),(\d+)`)

// parseJobserverFDs extracts the read/write descriptor pair from a
// MAKEFLAGS value, if present.
func parseJobserverFDs(makeflags string) (r, w int, ok bool) {
	m := jobserverFDsPattern.FindStringSubmatch(makeflags)
	if m == nil {
		return 0, 0, false
	}
	r, errR := strconv.Atoi(m[1])
	w, errW := strconv.Atoi(m[2])
	if errR != nil || errW != nil {
		return 0, 0, false
	}
	return r, w, true
}

// formatJobserverFDs renders the " --jobserver-fds=R,W" fragment appended
// to a child's MAKEFLAGS, leading space included per the wire protocol.
func formatJobserverFDs(existing string, r, w int) string {
	return fmt.Sprintf("%s --jobserver-fds=%d,%d", stripJobserverFDs(existing), r, w)
}

// stripJobserverFDs removes any existing --jobserver-fds=R,W fragment.
// Descriptor numbers are only meaningful within the process that opened
// them; a child process (which sees its own renumbered, inherited copies
// via os/exec's ExtraFiles) must never see its ancestor's numbers.
func stripJobserverFDs(makeflags string) string {
	return strings.TrimSpace(jobserverFDsPattern.ReplaceAllString(makeflags, ""))
}
