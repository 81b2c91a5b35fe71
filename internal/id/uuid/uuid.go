// Package uuid provides an IDGenerator backed by random UUIDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements scheduler.IDGenerator.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a random UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
