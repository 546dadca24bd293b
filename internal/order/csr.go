package order

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// newCertificateRequest generates a fresh P-256 domain key, distinct from
// the account key, and a DER-encoded PKCS#10 request for the domains. The
// first domain is the subject common name; any further domains go into the
// subject alternative names extension.
func newCertificateRequest(domains []string) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating domain key: %w", err)
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{CommonName: domains[0]},
	}
	if len(domains) > 1 {
		template.DNSNames = domains[1:]
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return key, csrDER, nil
}

// packageBundle parses the downloaded PEM chain and packages the leaf, any
// intermediates and the domain key into a password-less PKCS#12 archive.
// Returns the bundle and the parsed leaf.
func packageBundle(key *ecdsa.PrivateKey, chainPEM []byte) ([]byte, *x509.Certificate, error) {
	certs, err := parsePEMChain(chainPEM)
	if err != nil {
		return nil, nil, err
	}

	bundle, err := pkcs12.Encode(rand.Reader, key, certs[0], certs[1:], "")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding PKCS#12 bundle: %w", err)
	}
	return bundle, certs[0], nil
}

// parsePEMChain decodes every CERTIFICATE block in the chain, leaf first.
func parsePEMChain(chainPEM []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate chain: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("downloaded chain contains no certificates")
	}
	return certs, nil
}
