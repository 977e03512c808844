/*
Package manager implements the image and container lifecycle state machines.

Two managers share a store, a runtime and a KeyedLock:

	                 ┌──────────────┐
	REST API ───────►│ ImageManager │──┐
	                 └──────────────┘  │   ┌─────────────┐
	                 ┌──────────────┐  ├──►│   Runtime   │
	REST API ───────►│ContainerMgr  │──┤   └─────────────┘
	                 └──────────────┘  │   ┌─────────────┐
	Reconciler ──── TryLock / CAS ─────┴──►│    Store    │
	                                       └─────────────┘

# Uploaded images

	uploaded ──load──► loading ──ok──► loaded
	    ▲                 │               │
	    └──── failed ◄────┘ error         └──load──► loading

A load moves the record to loading under the upload's lock and then runs the
runtime load on a background goroutine. The loading status, not the lock,
keeps a second load or a delete out while the archive streams into the
runtime. There is no automatic retry.

# Docker images

A successful load upserts one active DockerImage per runtime image id.
Deleting removes the runtime image and marks the record inactive, or removes
the record too with purge. Reload re-loads the originating archive when it is
still stored and otherwise re-syncs the record from the runtime's image list.

# Containers

	created ──start──► running ──stop──► stopped
	   │                  │                 │
	   └──── any failure ─┴──► error ◄──────┘
	any non-deleted ──delete──► deleted

Container transitions are synchronous and hold the container's lock while the
runtime call runs, bounded by the runtime timeout. A request for a container
whose lock is held fails with a conflict. The reconciler skips locked
containers.

# Errors

Every exported operation returns *types.Error. Validation and conflict
errors have no side effects. A runtime failure during a transition leaves
the record in failed or error with the detail recorded. A store failure after
a successful runtime call undoes the runtime change where possible and logs
when that fails too.
*/
package manager
