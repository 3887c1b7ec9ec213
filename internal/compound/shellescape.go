// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import "strings"

// shellQuote single-quotes s for safe substitution into a shell command
// line, per §4.5 "Safety for shell invocations": every embedded single
// quote is closed, escaped, and reopened.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
