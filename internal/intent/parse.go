package intent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Source identifies which normalization path produced an intent.
type Source string

const (
	SourceWrapper Source = "wrapper"
	SourceJSON    Source = "json"
	SourceText    Source = "text"
	SourceEmpty   Source = "empty"
)

// Outcome describes how Normalize arrived at its result.
type Outcome struct {
	Source Source
	// Format is the wrapper format name when Source is SourceWrapper.
	Format string
	// Discarded lists wrapper formats whose pattern matched but whose
	// payload did not decode into a tool call.
	Discarded []string
}

var (
	thinkBlock    = regexp.MustCompile(`(?is)<think>.*?</think>|<thinking>.*?</thinking>|<reasoning>.*?</reasoning>`)
	thinkOpen     = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*$`)
	thinkOrphaned = regexp.MustCompile(`(?is)^.*</(?:think|thinking|reasoning)>`)
)

// Parse reduces raw model output to a canonical Intent. It never fails:
// output that carries no recognizable tool call or intent becomes a respond
// intent holding the cleaned text.
func Parse(raw string) Intent {
	in, _ := Normalize(raw)
	return in
}

// Normalize is Parse plus a description of which path fired.
func Normalize(raw string) (Intent, Outcome) {
	cleaned := StripReasoning(raw)
	var out Outcome

	for _, f := range wrapperFormats {
		groups := f.pattern.FindStringSubmatch(cleaned)
		if groups == nil {
			continue
		}
		in, ok := f.decode(groups)
		if !ok {
			out.Discarded = append(out.Discarded, f.name)
			continue
		}
		out.Source = SourceWrapper
		out.Format = f.name
		return in, out
	}

	if in, ok := scanJSON(cleaned); ok {
		out.Source = SourceJSON
		return in, out
	}

	text := strings.TrimSpace(residualTokens.ReplaceAllString(cleaned, ""))
	if text == "" {
		out.Source = SourceEmpty
	} else {
		out.Source = SourceText
	}
	return respond(text), out
}

// StripReasoning removes think/thinking/reasoning blocks. An unterminated
// opening tag drops the rest of the text; a closing tag without an opener
// drops everything before it.
func StripReasoning(raw string) string {
	s := thinkBlock.ReplaceAllString(raw, "")
	s = thinkOpen.ReplaceAllString(s, "")
	s = thinkOrphaned.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func scanJSON(text string) (Intent, bool) {
	var (
		tool    Intent
		hasTool bool
	)
	for _, c := range jsonCandidates(text) {
		var m map[string]any
		if err := json.Unmarshal([]byte(c), &m); err != nil {
			continue
		}
		if _, ok := m["action"]; ok {
			if in, ok := decodeNative(m); ok {
				return in, true
			}
			continue
		}
		if hasTool {
			continue
		}
		if name := toolName(m); name != "" {
			tool = callTool(name, toolParams(m))
			hasTool = true
		}
	}
	return tool, hasTool
}

// decodeNative interprets an object that already follows the Intent shape.
// Models frequently flatten metadata, so top-level response/question/
// reasoning/message keys are folded into Metadata.
func decodeNative(m map[string]any) (Intent, bool) {
	action, _ := m["action"].(string)
	in := Intent{
		SchemaVersion: SchemaVersion,
		Action:        Action(strings.ToLower(strings.TrimSpace(action))),
	}
	if v, ok := m["schemaVersion"].(string); ok && v != "" {
		in.SchemaVersion = v
	}

	if in.Action == ActionCallTool {
		in.Tool = toolName(m)
		in.Parameters = toolParams(m)
	}

	if raw, ok := m["steps"].([]any); ok {
		for _, item := range raw {
			sm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			step := Step{Tool: toolName(sm), Parameters: toolParams(sm)}
			step.Description, _ = sm["description"].(string)
			in.Steps = append(in.Steps, step)
		}
	}

	md := Metadata{}
	if nested, ok := m["metadata"].(map[string]any); ok {
		md.Reasoning, _ = nested["reasoning"].(string)
		md.Response, _ = nested["response"].(string)
		md.Question, _ = nested["question"].(string)
	}
	if md.Reasoning == "" {
		md.Reasoning, _ = m["reasoning"].(string)
	}
	if md.Response == "" {
		md.Response, _ = m["response"].(string)
	}
	if md.Response == "" {
		md.Response, _ = m["message"].(string)
	}
	if md.Question == "" {
		md.Question, _ = m["question"].(string)
	}
	if md != (Metadata{}) {
		in.Metadata = &md
	}

	if err := in.Validate(); err != nil {
		return Intent{}, false
	}
	return in, true
}
