/*
Package reconciler corrects persisted status to match what the container
runtime reports.

Each pass lists runtime containers and images once, then walks the store:

	┌──────────────────────────────────────────────┐
	│      Reconciliation pass (ticker/Trigger)    │
	└───────────────┬──────────────────────────────┘
	                │ ListContainers + ListImages (errgroup)
	      ┌─────────┴──────────┐
	      ▼                    ▼
	┌──────────────┐    ┌──────────────┐
	│  Containers  │    │ DockerImages │
	└──────┬───────┘    └──────┬───────┘
	       │                   │
	  missing → deleted   missing → inactive
	  exited 0 → stopped  unknown runtime image → orphan event
	  exited n → error
	  running → running
	  unknown runtime container → orphan event

# In-flight records

The reconciler never reverts a transition a manager is performing. Container
records whose lock is held are skipped, as are images in loading. Every write
is a compare-and-swap on the record version, so a record written by a manager
after the pass read it is skipped too and picked up on the next pass.

# Orphans

Runtime containers labelled as managed by shipyard without a record, and
runtime images without an active record, are announced once as events. They
are never removed.

# Triggers

Trigger requests a pass without waiting. Triggers that arrive while one is
pending coalesce, and concurrent Reconcile calls share the pass in progress.
*/
package reconciler
