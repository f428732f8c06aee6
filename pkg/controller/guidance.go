package controller

import (
	"fmt"
	"strings"

	"github.com/patchwork-run/patchwork/pkg/validate"
)

// guidanceFromValidation synthesizes the healing prompt for the next round:
// the original request for context, then every failing command with its
// captured output.
func guidanceFromValidation(request string, failing []validate.CommandResult) string {
	var b strings.Builder
	b.WriteString("The requested change was:\n\n")
	b.WriteString(request)
	b.WriteString("\n\nValidation failed. Fix the following issues without starting anything new:\n")
	for _, f := range failing {
		fmt.Fprintf(&b, "\n## %s\n%s\n", f.Name, strings.TrimSpace(f.Output))
	}
	b.WriteString("\nKeep changes minimal and focused on the failures above.")
	return b.String()
}

// failureSummary is the terse terminal report: failing command names and
// their decisive output.
func failureSummary(failing []validate.CommandResult) string {
	var parts []string
	for _, f := range failing {
		parts = append(parts, fmt.Sprintf("%s:\n%s", f.Name, strings.TrimSpace(f.Output)))
	}
	return strings.Join(parts, "\n\n")
}

func joinGuidance(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "\n\n" + extra
}
