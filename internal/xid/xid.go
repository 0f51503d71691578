package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a prefixed, lexically time-ordered identifier.
func New(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// OrderNumber builds the human-facing order reference shared with customers
// over WhatsApp, e.g. ORD-20261016-7Q2K9M.
func OrderNumber(at time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), id[len(id)-6:])
}
