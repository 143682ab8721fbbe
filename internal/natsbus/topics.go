package natsbus

import (
	"fmt"
	"strings"
	"unicode"
)

// Topic patterns for NATS pub/sub and request/reply communication.

func TopicToolExecute(tool string) string {
	return fmt.Sprintf("tools.%s.execute", subjectToken(tool))
}

func TopicEventsModel(modelID string) string {
	return fmt.Sprintf("events.model.%s", subjectToken(modelID))
}

// subjectToken makes id usable as a single subject token. Separators,
// wildcards and whitespace become underscores.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, id)
}

const (
	TopicRouteRequest    = "route.request"
	TopicSwarmRoute      = "swarm.route"
	TopicSwarmDisqualify = "swarm.disqualify"

	TopicEventsAll          = "events.>"
	TopicEventsSwarm        = "events.swarm.*"
	TopicEventsDisqualified = "events.swarm.disqualified"
	TopicEventsSwarmReset   = "events.swarm.reset"
	TopicEventsRouting      = "events.routing.completed"
	TopicEventsFailure      = "events.failure"
)
