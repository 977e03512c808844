/*
Package storage persists shipyard's lifecycle records: uploaded image archives,
runtime image records and containers.

Two implementations satisfy the Store interface:

  - BoltStore: embedded bbolt database at <dataDir>/shipyard.db. Each record
    type lives in its own bucket, serialized as JSON and keyed by id. This is
    the default driver.
  - SQLStore: gorm over PostgreSQL (STORE_DRIVER=postgres). The schema is
    migrated on startup and a partial unique index keeps at most one active
    docker_images row per runtime id.

# Versioning

Every record carries a Version. Create sets it to 1. Update is a
compare-and-swap: the write only lands when the stored version equals the
version on the record being written, and the record's Version is advanced on
success.

	c, _ := store.GetContainer(id)
	c.Status = types.ContainerStatusStopped
	if err := store.UpdateContainer(c); errors.Is(err, storage.ErrVersionConflict) {
		// someone else wrote the record since it was read
	}

The lifecycle managers and the reconciler both write through this primitive,
so a reconciliation pass can never overwrite a transition it did not observe.

# Errors

ErrNotFound, ErrVersionConflict and ErrExists are wrapped with the record id
and are matched with errors.Is.
*/
package storage
