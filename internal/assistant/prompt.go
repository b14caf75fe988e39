package assistant

import "strings"

// DefaultGuidancePrompt opens every new conversation. Placeholders:
// {{title}}, {{description}} and {{goal}}.
const DefaultGuidancePrompt = `I'm about to work on the task "{{title}}". Please give me step-by-step guidance on how to complete it and what to watch out for.`

// TaskContext is the task information a session is opened with. It is a
// snapshot: later board changes do not reach an existing session.
type TaskContext struct {
	TaskID      int64  `json:"task_id"`
	ProjectID   int64  `json:"project_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ProjectGoal string `json:"project_goal,omitempty"`
}

// GuidancePrompt renders the seed turn for tc. Description and goal are
// appended when the template does not place them itself.
func GuidancePrompt(template string, tc TaskContext) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultGuidancePrompt
	}
	r := strings.NewReplacer(
		"{{title}}", tc.Title,
		"{{description}}", tc.Description,
		"{{goal}}", tc.ProjectGoal,
	)
	var b strings.Builder
	b.WriteString(r.Replace(template))
	if desc := strings.TrimSpace(tc.Description); desc != "" && !strings.Contains(template, "{{description}}") {
		b.WriteString("\n\nTask description: ")
		b.WriteString(desc)
	}
	if goal := strings.TrimSpace(tc.ProjectGoal); goal != "" && !strings.Contains(template, "{{goal}}") {
		b.WriteString("\n\nProject goal: ")
		b.WriteString(goal)
	}
	return b.String()
}
