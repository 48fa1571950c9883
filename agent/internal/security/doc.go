// Package security inspects the TLS certificate presented by the collection
// service. The agent runs the check once at startup and logs a warning when
// the certificate is expired or close to expiry.
package security
