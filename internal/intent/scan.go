package intent

// jsonCandidates returns every top-level brace-balanced object in s, in
// order of appearance. Braces inside JSON strings are ignored, so payloads
// such as {"content":"func main() {"} are kept whole. Scanning bytes is safe
// for the ASCII delimiters because UTF-8 continuation bytes never collide
// with them.
func jsonCandidates(s string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escape   bool
	)

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			// Quotes only matter inside an object; stray prose quotes outside
			// would otherwise swallow the next object.
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}

	return out
}
