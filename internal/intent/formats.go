package intent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// wrapperFormat is one textual convention a model may use to express a tool
// call. Formats are evaluated in slice order and the first one that yields a
// tool call wins, so new formats are appended and existing entries are never
// reordered.
type wrapperFormat struct {
	name    string
	pattern *regexp.Regexp
	decode  func(groups []string) (Intent, bool)
}

var wrapperFormats = []wrapperFormat{
	{
		name:    "tool_call_tag",
		pattern: regexp.MustCompile(`(?is)<tool_call>\s*(.*?)\s*(?:</tool_call>|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "tool_request_bracket",
		pattern: regexp.MustCompile(`(?is)\[TOOL_REQUEST\]\s*(.*?)\s*(?:\[END_TOOL_(?:RESULT|REQUEST)\]|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "function_call_tag",
		pattern: regexp.MustCompile(`(?is)<function_call>\s*(.*?)\s*(?:</function_call>|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "pipe_tool_call",
		pattern: regexp.MustCompile(`(?is)<\|tool_call\|>\s*(.*?)\s*(?:<\|/tool_call\|>|<\|end\|>|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "double_bracket_tool_call",
		pattern: regexp.MustCompile(`(?is)\[\[tool_call\]\]\s*(.*?)\s*(?:\[\[/tool_call\]\]|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "action_tag",
		pattern: regexp.MustCompile(`(?is)<action>\s*(.*?)\s*(?:</action>|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "function_call_prefix",
		pattern: regexp.MustCompile(`(?is)FUNCTION_CALL:\s*(.*)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "tool_tag",
		pattern: regexp.MustCompile(`(?is)<tool>\s*(.*?)\s*(?:</tool>|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "start_tool_call_bracket",
		pattern: regexp.MustCompile(`(?is)\[START_TOOL_CALL\]\s*(.*?)\s*(?:\[END_TOOL_CALL\]|$)`),
		decode:  decodeJSONGroup,
	},
	{
		name:    "tool_call_function_syntax",
		pattern: regexp.MustCompile(`(?is)<tool_call>\s*([a-z_][\w.\-]*)\s*\((.*?)\)\s*(?:</tool_call>|$)`),
		decode:  decodeFunctionSyntax,
	},
}

var residualTokens = regexp.MustCompile(`(?i)</?tool_call>|\[TOOL_REQUEST\]|\[END_TOOL_(?:RESULT|REQUEST)\]|</?function_call>|<\|/?tool_call\|>|<\|end\|>|\[\[/?tool_call\]\]|</?action>|FUNCTION_CALL:|</?tool>|\[(?:START|END)_TOOL_CALL\]`)

var (
	nameKeys   = []string{"name", "tool", "function", "tool_name", "function_name"}
	paramsKeys = []string{"arguments", "parameters", "params", "args", "input"}
)

func decodeJSONGroup(groups []string) (Intent, bool) {
	if len(groups) < 2 {
		return Intent{}, false
	}
	m, ok := decodeObject(groups[1])
	if !ok {
		return Intent{}, false
	}
	name := toolName(m)
	if name == "" {
		return Intent{}, false
	}
	return callTool(name, toolParams(m)), true
}

// decodeObject parses a captured payload that must itself be a JSON object.
// Code fences and trailing prose after the object are tolerated. A payload
// such as search({...}) is left to the function syntax format.
func decodeObject(payload string) (map[string]any, bool) {
	payload = stripFences(strings.TrimSpace(payload))
	if !strings.HasPrefix(payload, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.NewDecoder(strings.NewReader(payload)).Decode(&m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func toolName(m map[string]any) string {
	for _, k := range nameKeys {
		switch v := m[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case map[string]any:
			// OpenAI style: {"function": {"name": ..., "arguments": ...}}
			if name := toolName(v); name != "" {
				return name
			}
		}
	}
	return ""
}

func toolParams(m map[string]any) map[string]any {
	for _, k := range paramsKeys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		return coerceParams(v)
	}
	if fn, ok := m["function"].(map[string]any); ok {
		return toolParams(fn)
	}
	return map[string]any{}
}

func coerceParams(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return map[string]any{}
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
		return map[string]any{"input": t}
	default:
		return map[string]any{"input": t}
	}
}

var kwArg = regexp.MustCompile(`([A-Za-z_]\w*)\s*=\s*("(?:[^"\\]|\\.)*"|'[^']*'|[^,]+)`)

func decodeFunctionSyntax(groups []string) (Intent, bool) {
	if len(groups) < 3 {
		return Intent{}, false
	}
	name := strings.TrimSpace(groups[1])
	if name == "" {
		return Intent{}, false
	}
	return callTool(name, functionArgs(groups[2])), true
}

func functionArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	if strings.HasPrefix(raw, "{") {
		if m, ok := decodeObject(raw); ok {
			return m
		}
	}

	matches := kwArg.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return map[string]any{"input": unquote(raw)}
	}
	params := make(map[string]any, len(matches))
	for _, m := range matches {
		params[m[1]] = literal(strings.TrimSpace(m[2]))
	}
	return params
}

func literal(s string) any {
	if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, `'`) {
		return unquote(s)
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}
