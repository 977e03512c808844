package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parsePort parses HOST[:CONTAINER]. A missing container port is returned as 0
// and left for the server to default.
func parsePort(s string) (host, internal int, err error) {
	hostPart, internalPart, hasInternal := strings.Cut(s, ":")
	if host, err = strconv.Atoi(hostPart); err != nil {
		return 0, 0, fmt.Errorf("invalid host port %q", hostPart)
	}
	if hasInternal {
		if internal, err = strconv.Atoi(internalPart); err != nil {
			return 0, 0, fmt.Errorf("invalid container port %q", internalPart)
		}
	}
	return host, internal, nil
}
