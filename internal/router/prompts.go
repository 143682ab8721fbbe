package router

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/modelswarm/internal/capability"
	"github.com/mtzanidakis/modelswarm/internal/llm"
	"github.com/mtzanidakis/modelswarm/internal/tools"
)

const apology = "I'm sorry, I wasn't able to produce a response. Could you rephrase your request?"

const assistantPrompt = "You are a helpful assistant. Reply to the user directly and concisely in plain text."

const classifierPreamble = `You are the planning model of a two-model system. You never execute tools yourself.
Read the conversation and decide what should happen next. Answer with exactly one JSON object and nothing else:

{"action": "call_tool" | "respond" | "ask_clarification" | "multi_step",
 "tool": "<tool name, for call_tool>",
 "parameters": {<tool arguments, for call_tool>},
 "steps": [{"tool": "<name>", "parameters": {}, "description": "<why>"}],
 "metadata": {"reasoning": "<short>", "response": "<reply, for respond>", "question": "<question, for ask_clarification>"}}

Rules:
- respond: greetings, questions you can answer without tools. Put the full reply in metadata.response.
- ask_clarification: the request is ambiguous. Put the question in metadata.question.
- call_tool: exactly one tool call is needed.
- multi_step: several tool calls must run in order.
- Only use tools from the list below.`

const executorPreamble = `You are the execution model of a two-model system. A planning model already decided what to do.
The user message is that decision as a JSON intent. Carry it out by emitting the exact tool calls, using the tools provided.
Do not explain, do not reason aloud and do not answer in prose.
- call_tool: call the named tool with the given parameters.
- multi_step: call the tool of every step, in order.`

// classifierPrompt lists the catalog minus tools whose capability is blocked
// for the planning model, marking native and learned strengths.
func classifierPrompt(catalog []tools.Definition, profile capability.Profile, prosthetic string) string {
	var sb strings.Builder
	sb.WriteString(classifierPreamble)
	sb.WriteString("\n\nAvailable tools:\n")

	listed := 0
	for _, def := range catalog {
		capName := toolCapability(def)
		if profile.IsBlocked(capName) {
			continue
		}
		fmt.Fprintf(&sb, "- %s", def.Name)
		if note := profile.Annotation(capName); note != "" {
			fmt.Fprintf(&sb, " [%s]", note)
		}
		if def.Description != "" {
			fmt.Fprintf(&sb, ": %s", def.Description)
		}
		sb.WriteString("\n")
		listed++
	}
	if listed == 0 {
		sb.WriteString("(none: use respond or ask_clarification)\n")
	}

	if prosthetic != "" {
		sb.WriteString("\nModel-specific guidance:\n")
		sb.WriteString(prosthetic)
		sb.WriteString("\n")
	}
	return sb.String()
}

func executorPrompt(profile capability.Profile, prosthetic string) string {
	var sb strings.Builder
	sb.WriteString(executorPreamble)
	sb.WriteString("\n")

	if len(profile.BlockedCapabilities) > 0 {
		fmt.Fprintf(&sb, "\nNever use these capabilities, you cannot perform them reliably: %s.\n",
			strings.Join(profile.BlockedCapabilities, ", "))
	}
	if prosthetic != "" {
		sb.WriteString("\nModel-specific guidance:\n")
		sb.WriteString(prosthetic)
		sb.WriteString("\n")
	}
	return sb.String()
}

func toolCapability(def tools.Definition) string {
	if def.Capability != "" {
		return def.Capability
	}
	return def.Name
}

// withSystemPrompt prepends prompt as the only system message, folding any
// system messages of the caller into it.
func withSystemPrompt(prompt string, messages []llm.Message) []llm.Message {
	var extra []string
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{})
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if m.Content != "" {
				extra = append(extra, m.Content)
			}
			continue
		}
		out = append(out, m)
	}
	content := prompt
	if len(extra) > 0 {
		content = prompt + "\n\n" + strings.Join(extra, "\n\n")
	}
	out[0] = llm.Message{Role: llm.RoleSystem, Content: content}
	return out
}

// intentToolNames lists the tools an intent refers to, deduplicated in
// order.
func intentToolNames(tool string, steps []string) []string {
	var out []string
	for _, name := range append([]string{tool}, steps...) {
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
