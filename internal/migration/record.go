package migration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRecord indicates a stored migration record failed to
// decode. This is a store-integrity fault, not a caller mistake; it is
// surfaced as an infrastructure error rather than a code-invalid
// outcome.
var ErrMalformedRecord = errors.New("migration: malformed record")

// codeRecord is the value stored under a code hash. Only the one-way
// hash of the code ever reaches the store; the plaintext exists solely
// in the Start response.
type codeRecord struct {
	Subject string
	Ticket  string
	Used    bool
}

// encode renders the wire form subject|ticket|0|1. The subject and
// ticket ids are URL-safe identifiers and can never contain the
// separator.
func (r codeRecord) encode() string {
	used := "0"
	if r.Used {
		used = "1"
	}
	return r.Subject + "|" + r.Ticket + "|" + used
}

func decodeCodeRecord(raw string) (codeRecord, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return codeRecord{}, fmt.Errorf("%w: %q", ErrMalformedRecord, raw)
	}
	switch parts[2] {
	case "0":
		return codeRecord{Subject: parts[0], Ticket: parts[1], Used: false}, nil
	case "1":
		return codeRecord{Subject: parts[0], Ticket: parts[1], Used: true}, nil
	default:
		return codeRecord{}, fmt.Errorf("%w: used flag %q", ErrMalformedRecord, parts[2])
	}
}

// Ticket states. The ticket record is informational correlation only;
// redemption is decided by the code record alone.
const (
	ticketStarted   = "started"
	ticketCompleted = "completed"
)

func encodeTicket(subjectID, state string) string {
	return subjectID + "|" + state
}
