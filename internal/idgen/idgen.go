// Package idgen generates the identifiers used on the link and in history records.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is the character set for short ids. It avoids characters that need escaping in JSON or file names.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ShortLength is the number of random characters in a short id
const ShortLength = 12

// Short returns a short random id with the given prefix, e.g. "req-" or "xfer-".
// Used for request ids and transfer ids that travel on every frame.
func Short(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, ShortLength)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustShort is Short for callers that cannot recover from an entropy failure
func MustShort(prefix string) string {
	id, err := Short(prefix)
	if err != nil {
		panic(err)
	}
	return id
}

// Entity returns a UUID string for sessions, exercises and sets
func Entity() string {
	return uuid.NewString()
}
