package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

const sessionTokenPrefix = "mrs_"

// SessionToken is the bearer secret handed to an agent at registration init.
// Only Hash is persisted; Value leaves the process once and is never logged.
type SessionToken struct {
	Value string
	Hash  string
}

func IssueSessionToken() (SessionToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return SessionToken{}, errors.Wrap(err, "session token entropy")
	}
	value := sessionTokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return SessionToken{Value: value, Hash: HashSessionToken(value)}, nil
}

// HashSessionToken is the lookup key for a presented token. Surrounding
// whitespace from copy-pasted headers is ignored.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
