/*
Package runtime adapts container runtimes to the capability interface the
shipyard lifecycle managers call.

Runtime is deliberately policy-free: it loads, lists and removes images,
creates, starts, stops, inspects and removes containers, and fetches logs.
State machines, validation and compensation live in package manager.

# Implementations

DockerRuntime talks to the Docker Engine API using the environment
(DOCKER_HOST, DOCKER_CERT_PATH, ...) with API version negotiation. Port
mapping is a single internal/host pair; memory limits below 6 MB are raised
to 6 MB because the daemon rejects smaller values.

ContainerdRuntime talks to containerd in its own namespace. Images are
imported and unpacked into the default snapshotter. Containers run in the
host network namespace, so the host port must equal the internal port.
Task stdout and stderr go to <logDir>/<id>.log, which FetchLogs tails.

MemoryRuntime keeps everything in process. It serves RUNTIME=memory and the
test suites and supports failure injection (Fail/Clear), holding image loads
open (HoldLoads), and out-of-band changes (Crash, Vanish, VanishImage).

# Managed containers

Every container created through a Runtime carries two labels:

	io.shipyard.managed-by=shipyard
	io.shipyard.container-id=<record id>

ListContainers returns only labelled containers, which is how the
reconciler tells orphans apart from containers it has no business with.

# Errors

Adapters wrap failures with fmt.Errorf. A missing image or container is
reported as ErrNotFound so callers can tolerate it with errors.Is.
*/
package runtime
