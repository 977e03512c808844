/*
Package api serves the shipyard REST API on a chi router.

# Routes

	POST   /api/v1/images/upload               multipart "file", ?load=true
	GET    /api/v1/images/uploaded              ?latest_only=true
	GET    /api/v1/images/uploaded/{id}
	POST   /api/v1/images/uploaded/{id}/load
	DELETE /api/v1/images/uploaded/{id}
	GET    /api/v1/images/docker                ?active_only=true
	GET    /api/v1/images/docker/{id}
	POST   /api/v1/images/docker/{id}/load
	DELETE /api/v1/images/docker/{id}           ?purge=true
	POST   /api/v1/containers
	GET    /api/v1/containers                   ?include_deleted=true
	GET    /api/v1/containers/{id}
	POST   /api/v1/containers/{id}/start
	POST   /api/v1/containers/{id}/stop
	DELETE /api/v1/containers/{id}
	GET    /api/v1/containers/{id}/logs         ?tail=N
	POST   /api/v1/reconcile                    ?wait=true
	GET    /api/v1/events                       server-sent events, ?type=prefix
	GET    /health, /ready, /metrics

Loads and reloads answer 202 with the record in loading; poll the record or
follow /api/v1/events for the outcome.

# Errors

Every failure has the body

	{"kind": "conflict", "error": "container 3f2c... is already running"}

with the status chosen by kind: validation 400, not_found 404, conflict 409,
runtime 502, storage and anything else 500. When a start fails, the body also
carries the container record, now in error.
*/
package api
