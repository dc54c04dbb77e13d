package engine

// Result is the structured outcome of a query, mirroring the protocol's
// CommandComplete tag plus any rows the statement produced.
type Result struct {
	Command  string
	NumRows  uint32
	Rows     [][]any
	Columns  []string
}

// parseCommandTag splits a CommandComplete tag into a lowercase,
// underscore-joined command atom and an optional row count, e.g.
// "INSERT 0 3" -> ("insert", 3, true), "SELECT 2" -> ("select", 2, true),
// "BEGIN" -> ("begin", 0, false).
func parseCommandTag(tag string) (command string, rowCount uint32, hasCount bool) {
	var words []string
	var fields []string
	start := -1
	for i := 0; i <= len(tag); i++ {
		if i < len(tag) && tag[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			fields = append(fields, tag[start:i])
			start = -1
		}
	}

	for i, f := range fields {
		if n, ok := parseUint(f); ok {
			if i == len(fields)-1 {
				rowCount = n
				hasCount = true
			}
			continue
		}
		words = append(words, toLower(f))
	}

	command = joinUnderscore(words)
	return command, rowCount, hasCount
}

func parseUint(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return uint32(n), true
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func joinUnderscore(words []string) string {
	if len(words) == 0 {
		return ""
	}
	out := words[0]
	for _, w := range words[1:] {
		out += "_" + w
	}
	return out
}
