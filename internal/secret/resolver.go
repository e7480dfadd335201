// Package secret resolves secret-flagged environment variable values from
// an external secure store.
package secret

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("secret not found")

// Resolver looks up a secret value by its composite key. A failed lookup
// means the variable is omitted from the launch environment, never that the
// launch fails.
type Resolver interface {
	Resolve(ctx context.Context, entityID, varID string) (string, error)
}

// StaticResolver serves secrets from an in-memory map keyed by
// "<entityID>/<varID>". Used by tests and by file-based configurations.
type StaticResolver struct {
	values map[string]string
}

func NewStaticResolver(values map[string]string) *StaticResolver {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticResolver{values: copied}
}

func (r *StaticResolver) Resolve(_ context.Context, entityID, varID string) (string, error) {
	if r == nil {
		return "", ErrNotFound
	}
	v, ok := r.values[Key(entityID, varID)]
	if !ok {
		return "", fmt.Errorf("%w: entity=%s var=%s", ErrNotFound, entityID, varID)
	}
	return v, nil
}

// Key builds the composite lookup key for one entity-scoped secret.
func Key(entityID, varID string) string {
	return entityID + "/" + varID
}
