package record

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewName mints a record name for a locally created entity. ULIDs keep
// names lexically ordered by creation time, which keeps the remote record
// log roughly append-ordered even when many clients mint concurrently.
func NewName() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// NewNameAt mints a record name carrying the given timestamp. Used by
// importers that want replayed data to keep its original ordering.
func NewNameAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// TimeFromName recovers the mint time from a ULID record name. Returns the
// zero time for names that are not ULIDs (records minted elsewhere).
func TimeFromName(name string) time.Time {
	id, err := ulid.ParseStrict(strings.ToUpper(name))
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(id.Time()))
}
