// Package provisioning resolves organizations, devices and variables by their
// natural keys, creating them on first sight. Concurrent writers, in this
// process or another, converge on a single row through the store's unique
// constraints.
package provisioning

import (
	"context"

	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
)

// Resolve implements create-or-fetch: read, insert on miss, and re-read when
// the insert hits a unique violation. created reports whether this call
// inserted the row.
//
// find must return an error satisfying repository.IsNotFound when no row
// exists; create must return one satisfying repository.IsDuplicateKey when a
// concurrent writer won the race. A miss on the re-read is a storage error.
func Resolve[T any](
	ctx context.Context,
	key string,
	find func(context.Context) (*T, error),
	create func(context.Context) (*T, error),
) (entity *T, created bool, err error) {
	entity, err = find(ctx)
	if err == nil {
		return entity, false, nil
	}
	if !repository.IsNotFound(err) {
		return nil, false, storageError("find", key, err)
	}

	entity, err = create(ctx)
	if err == nil {
		return entity, true, nil
	}
	if !repository.IsDuplicateKey(err) {
		return nil, false, storageError("create", key, err)
	}

	// Lost the race: the winner's row must be visible now.
	entity, err = find(ctx)
	if err != nil {
		return nil, false, storageError("re-read after conflict", key, err)
	}
	return entity, false, nil
}

func storageError(op, key string, err error) error {
	return errors.Newf("provisioning %s %q failed: %w", op, key, err).
		Component("provisioning").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("key", key).
		Build()
}
