package record

import "encoding/base64"

// Token is an opaque, server-issued cursor over a change feed. The engine
// never inspects token contents; it only stores, replays and discards them.
// A nil or empty token means "from the beginning of the feed".
type Token []byte

// IsZero reports whether the token marks the start of the feed.
func (t Token) IsZero() bool { return len(t) == 0 }

// Equal reports whether two tokens are byte-identical.
func (t Token) Equal(other Token) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the token for logs. The encoding is presentational only;
// persistence stores raw bytes.
func (t Token) String() string {
	if t.IsZero() {
		return "<start>"
	}
	return base64.StdEncoding.EncodeToString(t)
}
