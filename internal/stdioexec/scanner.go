package stdioexec

// jsonObjectScanner incrementally scans a byte stream for the first
// complete top-level JSON object, without waiting for EOF, tracking
// brace depth and string/escape state. It is what lets an asynchronous
// plugin's call resolve as soon as its acknowledgement object is
// complete, while the subprocess keeps running and emitting bytes the
// executor no longer cares about.
type jsonObjectScanner struct {
	depth      int
	started    bool
	inString   bool
	escaped    bool
	complete   bool
	start, end int // byte offsets into the accumulated buffer
}

// feed processes newly-read bytes (already appended to buf at buf[priorLen:]).
// It returns true once a complete top-level object has been found; the
// object's bytes are buf[scanner.start:scanner.end].
func (s *jsonObjectScanner) feed(buf []byte, priorLen int) bool {
	if s.complete {
		return true
	}
	for i := priorLen; i < len(buf); i++ {
		c := buf[i]

		if !s.started {
			// Skip leading whitespace before the object begins.
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
				continue
			}
			if c != '{' {
				// Bytes before the first '{' are skipped; if no object
				// ever starts, the caller treats the output as malformed
				// once the process exits.
				continue
			}
			s.started = true
			s.start = i
			s.depth = 1
			continue
		}

		if s.inString {
			if s.escaped {
				s.escaped = false
				continue
			}
			switch c {
			case '\\':
				s.escaped = true
			case '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				s.end = i + 1
				s.complete = true
				return true
			}
		}
	}
	return false
}
