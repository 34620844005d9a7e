// Package ident generates opaque UUID-shaped identifiers for senders and messages.
package ident

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

// New returns a random version 4 UUID. If the secure source fails it falls
// back to a pseudo-random string of the same shape.
func New() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return pseudo()
	}
	return id.String()
}

const hexDigits = "0123456789abcdef"

// pseudo fills the xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx template.
func pseudo() string {
	b := []byte("xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx")
	for i, c := range b {
		switch c {
		case 'x':
			b[i] = hexDigits[rand.IntN(16)]
		case 'y':
			b[i] = hexDigits[rand.IntN(4)|0x8]
		}
	}
	return string(b)
}
