package service

import (
	"crypto/rand"
	"fmt"
	"time"
)

// crockford is the Crockford base32 alphabet (no I, L, O, U)
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const leadIDRandomChars = 6

// maxLeadIDAttempts bounds retries when a generated id collides
const maxLeadIDAttempts = 5

// NewLeadID returns an id of the form LD-YYMMDD-XXXXXX
func NewLeadID(now time.Time) (string, error) {
	buf := make([]byte, leadIDRandomChars)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	suffix := make([]byte, leadIDRandomChars)
	for i, b := range buf {
		suffix[i] = crockford[int(b)%len(crockford)]
	}
	return fmt.Sprintf("LD-%s-%s", now.UTC().Format("060102"), suffix), nil
}
