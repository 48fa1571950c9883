package security

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"
)

// ExpiryWarning is how close to NotAfter a certificate is reported as
// expiring.
const ExpiryWarning = 30 * 24 * time.Hour

// CertStatus describes the leaf certificate served at an endpoint.
type CertStatus struct {
	Endpoint string
	Issuer   string
	NotAfter time.Time
	DaysLeft int

	// Status is one of "valid", "expiring", "expired" or "unreachable".
	Status string
}

// Check dials the TLS endpoint behind rawURL and returns a CertStatus
// describing the leaf certificate.
//
// Returns nil for non-HTTPS URLs, which have no certificate to inspect.
// The dial is bounded by a 10-second timeout.
func Check(ctx context.Context, rawURL string) *CertStatus {
	return check(ctx, rawURL, time.Now())
}

func check(ctx context.Context, rawURL string, now time.Time) *CertStatus {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return nil
	}

	cs := &CertStatus{Endpoint: rawURL}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: true, //nolint:gosec // expiry inspection only, nothing is sent
		},
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = "unreachable"
		return cs
	}

	leaf := peerCerts[0]
	left := leaf.NotAfter.Sub(now)

	cs.NotAfter = leaf.NotAfter.UTC()
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))

	switch {
	case left <= 0:
		cs.Status = "expired"
	case left <= ExpiryWarning:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs
}
