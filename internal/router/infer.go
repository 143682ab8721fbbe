package router

import "regexp"

var capabilityBuckets = []struct {
	capability string
	pattern    *regexp.Regexp
}{
	{"rag", regexp.MustCompile(`(?i)\b(search|find|explore)\b`)},
	{"read_file", regexp.MustCompile(`(?i)\b(read|show)\b`)},
	{"write_file", regexp.MustCompile(`(?i)\b(write|create)\b`)},
	{"shell_exec", regexp.MustCompile(`(?i)\b(run|execute)\b`)},
	{"browser", regexp.MustCompile(`(?i)\b(web|internet)\b`)},
	{"multi_step", regexp.MustCompile(`(?i)\b(multi|first|then)\b`)},
}

// InferCapability guesses the capability a user message needs from keyword
// buckets checked in a fixed order. It only gates fallback substitution and
// returns "" when nothing matches.
func InferCapability(message string) string {
	for _, b := range capabilityBuckets {
		if b.pattern.MatchString(message) {
			return b.capability
		}
	}
	return ""
}
