package turso

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lockstep-sync/lockstep/internal/remote"
)

// errorPatterns maps driver and server message fragments to remote codes.
// The libsql client surfaces sqld failures as flat strings, so substring
// matching is the only classification signal available. First match wins.
var errorPatterns = []struct {
	substr string
	code   remote.Code
}{
	{"rate limit", remote.CodeRateLimited},
	{"too many requests", remote.CodeRateLimited},
	{"429", remote.CodeRateLimited},

	{"unauthorized", remote.CodeUnauthorized},
	{"authentication", remote.CodeUnauthorized},
	{"auth token", remote.CodeUnauthorized},
	{"jwt", remote.CodeUnauthorized},
	{"401", remote.CodeUnauthorized},
	{"403", remote.CodeUnauthorized},

	{"quota", remote.CodeQuotaExceeded},
	{"storage limit", remote.CodeQuotaExceeded},

	{"database is locked", remote.CodeUnavailable},
	{"busy", remote.CodeUnavailable},
	{"unavailable", remote.CodeUnavailable},
	{"503", remote.CodeUnavailable},
	{"502", remote.CodeUnavailable},

	{"connection refused", remote.CodeNetwork},
	{"connection reset", remote.CodeNetwork},
	{"broken pipe", remote.CodeNetwork},
	{"no such host", remote.CodeNetwork},
	{"i/o timeout", remote.CodeNetwork},
	{"websocket", remote.CodeNetwork},
	{"network", remote.CodeNetwork},
	{"dial", remote.CodeNetwork},
	{"eof", remote.CodeNetwork},

	{"constraint", remote.CodeMalformed},
	{"syntax error", remote.CodeMalformed},
	{"malformed", remote.CodeMalformed},
}

// mapError translates a driver or transport failure into a *remote.Error so
// classification stays uniform across backends. Context cancellation and
// deadline errors pass through untouched; the classifier owns those.
// Existing *remote.Error values pass through so callers can pre-classify.
func mapError(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}

	code := codeForError(err)
	return &remote.Error{
		Code:    code,
		Message: fmt.Sprintf("%s: %v", action, err),
		Wrapped: err,
	}
}

func codeForError(err error) remote.Code {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return remote.CodeUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return remote.CodeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.substr) {
			return p.code
		}
	}
	return remote.CodeInternal
}
