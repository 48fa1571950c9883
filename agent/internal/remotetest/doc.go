// Package remotetest provides an in-process fake of the snapshot collection
// service for tests.
//
// New() starts two httptest servers:
//   - Service: GET /v1/admission, /v1/upload-url and /v1/upload-complete
//   - Storage: PUT /{key}.json, reached through upload URLs of the form
//     http://{bucket}.storage.test/{key}.json?sig=...
//
// Transport() returns an http.RoundTripper that routes *.storage.test to the
// Storage listener, so clients see realistic bucket hostnames.
//
// Responses are scriptable (QueueAdmission, SetRateLimit, SetTargetStatus,
// SetPutStatus, SetConfirmStatus) and every request is recorded. Uploaded
// payloads are kept in an ObjectStore with TTL eviction of unconfirmed
// objects.
package remotetest
