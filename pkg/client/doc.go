/*
Package client is the Go client for the Custodia HTTP API.

It wraps the /v1 record routes with typed methods, carries the acting
user in the X-User-ID header, and rebuilds the server's error taxonomy
so callers can branch with the errdefs helpers:

	c := client.New("http://localhost:8484", "dr-jones")
	rec, err := c.CreateRecord(ctx, "patient-1", "blood panel",
		"PDF", "panel.pdf", "application/pdf", payload)
	if errdefs.IsForbidden(err) {
		// caller lacks access
	}

The client holds no mutable state and is safe for concurrent use.
*/
package client
