// Package remote talks to the snapshot collection service.
//
// client.go builds the shared *http.Client. Its round tripper stamps the
// X-API-Key identity header on every request addressed to the service host
// and leaves requests to other hosts (the object-storage upload URL)
// untouched.
//
// admission.go asks "may I send now?" (GET /v1/admission) and turns every
// response, including transport failures and garbage bodies, into a
// Decision with a wait duration. It never returns an error.
//
// upload.go implements the three handshake steps: RequestTarget
// (GET /v1/upload-url), Upload (PUT to the target URL) and Confirm
// (GET /v1/upload-complete with the key and bucket parsed out of the target
// URL). None of them retry; the send loop owns retry policy.
package remote
