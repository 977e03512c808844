/*
Package embedded runs containerd as a child process of the shipyard server.

With RUNTIME=containerd and CONTAINERD_MANAGED=true, serve starts the
containerd binary (CONTAINERD_BINARY, or containerd from PATH) with its
config, socket, root and state under <DATA_DIR>/containerd, waits for the
socket to accept connections and points the containerd runtime at it.

	c, err := embedded.StartContainerd(ctx, embedded.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer c.Stop()
	rt, err := runtime.NewContainerdRuntime(c.SocketPath(), namespace, logDir)

Stop sends SIGTERM and kills the daemon after StopTimeout. An exit that
Stop did not ask for is logged; the runtime's Ping then fails and /ready
reports it. The daemon is not restarted.
*/
package embedded
