package backend

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionKey returns a fresh ULID session key: stable, globally unique,
// lexically sortable by creation time.
func NewSessionKey() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRunID returns an id for one generation run.
func NewRunID() (string, error) {
	return NewSessionKey()
}
