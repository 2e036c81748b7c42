package pipeline

import "strings"

// PromptVars are the template variables substituted into worker/audit
// prompts.
type PromptVars struct {
	Identifier     string
	Title          string
	Description    string
	WorktreePath   string
	Attempt        int
	Gaps           []string
	ProjectContext string
	TeamContext    string
	Guidance       string
}

const defaultWorkerTemplate = `You are implementing a fix for {{identifier}}: {{title}}.

Description:
{{description}}

Work in: {{worktreePath}}
Attempt: {{attempt}}
{{gaps}}
{{projectContext}}
{{teamContext}}
{{guidance}}`

const defaultAuditTemplate = `You are auditing the change made for {{identifier}}: {{title}}.

Review the diff in {{worktreePath}} against the original request below, then
respond with a JSON object: {"pass": bool, "criteria": [...], "gaps": [...], "testResults": "..."}.

Description:
{{description}}
{{projectContext}}
{{teamContext}}`

// Templates holds the merged worker/audit templates for one worktree,
// after merging hardcoded defaults <- global overrides <- per-worktree
// overrides, per the spec's build order.
type Templates struct {
	Worker string
	Audit  string
}

// MergeTemplates merges the three layers in priority order: hardcoded
// defaults, then global overrides (from config), then per-worktree
// overrides (most specific wins).
func MergeTemplates(globalWorker, globalAudit, worktreeWorker, worktreeAudit string) Templates {
	t := Templates{Worker: defaultWorkerTemplate, Audit: defaultAuditTemplate}
	if globalWorker != "" {
		t.Worker = globalWorker
	}
	if globalAudit != "" {
		t.Audit = globalAudit
	}
	if worktreeWorker != "" {
		t.Worker = worktreeWorker
	}
	if worktreeAudit != "" {
		t.Audit = worktreeAudit
	}
	return t
}

// RenderPrompt substitutes vars into tmpl. Unset optional sections
// (gaps/projectContext/teamContext/guidance) render as empty strings
// rather than leaving the placeholder visible.
func RenderPrompt(tmpl string, vars PromptVars) string {
	gaps := ""
	if len(vars.Gaps) > 0 {
		gaps = "Gaps from the previous attempt:\n- " + strings.Join(vars.Gaps, "\n- ")
	}

	replacer := strings.NewReplacer(
		"{{identifier}}", vars.Identifier,
		"{{title}}", vars.Title,
		"{{description}}", SanitizePromptInput(vars.Description, 4000),
		"{{worktreePath}}", vars.WorktreePath,
		"{{attempt}}", itoa(vars.Attempt),
		"{{gaps}}", gaps,
		"{{projectContext}}", vars.ProjectContext,
		"{{teamContext}}", vars.TeamContext,
		"{{guidance}}", vars.Guidance,
	)
	return strings.TrimSpace(replacer.Replace(tmpl))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// SanitizePromptInput is the prompt-input sanitizer required anywhere
// free text is interpolated into an LLM prompt: null/empty becomes a
// placeholder, template-injection delimiters are escaped, and the result
// is truncated to maxLen. Shared between worker/audit prompt rendering
// here and the webhook router's own prompt-adjacent text.
func SanitizePromptInput(s string, maxLen int) string {
	if strings.TrimSpace(s) == "" {
		return "(no content)"
	}
	s = strings.ReplaceAll(s, "{{", "{ {")
	s = strings.ReplaceAll(s, "}}", "} }")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
