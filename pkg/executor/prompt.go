package executor

import (
	"fmt"
	"strings"

	"github.com/zen-systems/concord/pkg/task"
)

// DependencyOutput is the chosen answer of a subtask another one depends on.
type DependencyOutput struct {
	SubtaskID string
	Content   string
}

// BuildPrompt renders the prompt for one subtask. The instruction always comes first;
// the surrounding request and the outputs of dependencies follow as context.
func BuildPrompt(request string, st *task.Subtask, deps []DependencyOutput) string {
	request = strings.TrimSpace(strings.ToValidUTF8(request, ""))
	if len(deps) == 0 && (request == "" || request == st.Content) {
		return st.Content
	}
	var b strings.Builder
	b.WriteString(st.Content)
	if request != "" && request != st.Content {
		b.WriteString("\n\nThis is one part of a larger request: ")
		b.WriteString(request)
	}
	for _, d := range deps {
		fmt.Fprintf(&b, "\n\nResult of %s:\n%s", d.SubtaskID, strings.TrimSpace(d.Content))
	}
	return b.String()
}
