package strand

import (
	"fmt"
	"sort"
	"strings"
)

// BuildSystemPrompt renders the system prompt for an agent turn: the
// caller's own instructions followed by the gadget grammar and the
// registered handlers' usage summaries. The model needs the exact delimiter
// strings, so prompts are always built against the session's delimiters.
func BuildSystemPrompt(prompt string, d Delimiters, infos []HandlerInfo) string {
	if d == (Delimiters{}) {
		d = DefaultDelimiters()
	}
	var b strings.Builder
	if prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}

	b.WriteString("You can invoke gadgets by embedding blocks in your response:\n\n")
	fmt.Fprintf(&b, "%sname:id:dep1,dep2\n%sparam\nvalue\n%s\n\n", d.Start, d.Arg, d.End)
	b.WriteString("The id and dependency list are optional. An invocation only runs after " +
		"every dependency succeeded, so chain ids to order work; omit dependencies " +
		"to run gadgets in parallel. Results arrive in the next message.\n")
	fmt.Fprintf(&b, "Escape %%, newlines and delimiter strings inside values as %%XX hex (e.g. %%0A for newline).\n")

	if len(infos) == 0 {
		return b.String()
	}
	sorted := append([]HandlerInfo(nil), infos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	b.WriteString("\nAvailable gadgets:\n")
	for _, info := range sorted {
		fmt.Fprintf(&b, "\n- %s: %s\n", info.Name, info.Description)
		if len(info.Schema) > 0 {
			fmt.Fprintf(&b, "  parameters (JSON Schema): %s\n", compactJSON(info.Schema))
		}
		if info.Example != "" {
			fmt.Fprintf(&b, "  example:\n%s\n", indent(info.Example, "  "))
		}
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
