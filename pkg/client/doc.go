/*
Package client is the Go client for the shipyard REST API. The CLI is built
on it.

	c := client.NewClient("http://localhost:8080")
	img, err := c.UploadImage(ctx, "nginx.tar", f, true)
	img, err = c.WaitForLoad(ctx, img.ID, time.Second)

Failed requests return *types.Error carrying the server's error kind, so
callers branch with types.IsKind(err, types.KindConflict) and friends.

Requests that never reached the server, and 503 answers, are retried with
backoff. Any other answer is final: a lifecycle operation the server acted
on is never replayed. Uploads and event streams are not retried.
*/
package client
