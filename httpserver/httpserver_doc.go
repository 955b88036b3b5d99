/*
Package httpserver runs the provisioner's operational HTTP endpoints.

Provisioning itself is driven through the CLI; the server only exposes what
load balancers and operators need:

  - GET /livez - liveness
  - GET /readyz - readiness; 503 while draining or sealed
  - GET /drain and GET /undrain - toggle readiness
  - /debug/pprof - when enabled
  - Prometheus metrics on a separate listener

# Unsealing

When the local CA seed is held by custodians as Shamir shares, the server
starts sealed and mounts the unseal API under /admin:

  - GET /admin/status - sealed or unsealed, threshold, custodians submitted so far
  - POST /admin/share - submit a share: {"share": "<base64>", "signature": "<base64>"}

Share submissions carry X-Admin-ID, X-Admin-Timestamp (unix seconds) and
X-Admin-Signature headers, an ECDSA signature over the timestamp, a newline,
the request path and the body. Requests older than five minutes and replayed
signatures are rejected. The share signature
covers the raw share and is verified again by the seed collector.

UnsealClient implements the custodian side:

	client := httpserver.NewUnsealClient("http://127.0.0.1:8080/admin", "alice", key)
	err := client.SubmitShare(ctx, share)
*/
package httpserver
