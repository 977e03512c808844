/*
Package types defines the core data structures used throughout shipyard.

The package holds the three persisted entities owned by the lifecycle managers,
the runtime-facing value types returned by the runtime adapters, and the error
taxonomy shared by every layer above the adapters.

# Entities

UploadedImage:
  - An image archive (.tar) stored by the archive store
  - Status: uploaded → loading → loaded | failed
  - At most one load in flight per id (status loading is the exclusion marker)

DockerImage:
  - A runtime image materialized from an upload, or re-synced from the runtime
  - IsActive=false keeps the history of an image the runtime no longer has
  - Status loading marks an in-flight reload

Container:
  - A runtime container created from exactly one of Image or ImageID
  - Status: created → running ⇄ stopped → deleted, with error reachable from any
    failed runtime call and recoverable by a later successful operation
  - deleted is terminal; the record is kept for audit

Every entity carries a Version that the store bumps on each write and an
ObservedAt timestamp set whenever a manager or the reconciler last confirmed the
record against the runtime. The reconciler uses Version as a compare-and-swap
guard so it never overwrites a write it did not see.

# Errors

Lifecycle operations return *Error with one of the stable kinds:

	validation  malformed or contradictory input, never reaches the runtime
	conflict    invariant violation or invalid state transition
	not_found   unknown id, locally or at the runtime
	runtime     the runtime call itself failed
	storage     persistence read or write failure

Use KindOf to map an error to a transport status and DetailOf for the
user-facing message:

	if types.IsKind(err, types.KindConflict) {
		// reject, nothing changed
	}
*/
package types
