package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"time"
)

// ExpiringWithin is the window in which a certificate is reported as expiring.
const ExpiringWithin = 30 * 24 * time.Hour

// Status values.
const (
	StatusValid    = "valid"
	StatusExpiring = "expiring"
	StatusExpired  = "expired"
)

// Status describes the leaf certificate of a key pair.
type Status struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Status   string
}

// Inspect loads certFile/keyFile and reports on the leaf certificate as of now.
// An error means the pair cannot be served at all.
func Inspect(certFile, keyFile string, now time.Time) (*Status, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlscert: load key pair: %w", err)
	}
	if len(pair.Certificate) == 0 {
		return nil, fmt.Errorf("tlscert: %s holds no certificate", certFile)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("tlscert: parse leaf: %w", err)
	}

	left := leaf.NotAfter.Sub(now)
	st := &Status{
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
		DaysLeft: int(math.Floor(left.Hours() / 24)),
	}
	switch {
	case left <= 0:
		st.Status = StatusExpired
	case left <= ExpiringWithin:
		st.Status = StatusExpiring
	default:
		st.Status = StatusValid
	}
	return st, nil
}
