// Package id generates run identifiers.
package id

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces time-derived run IDs: a UTC timestamp prefix keeps
// them sortable in the checkpoint tables, the UUID suffix keeps them unique
// across hosts.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh run identifier.
func (g *Generator) NewID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), u.String()[:8]), nil
}
