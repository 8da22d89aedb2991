// Package certstore implements the default CertificateStore collaborator:
// a self-signed certificate authority that mints a leaf certificate per
// common name on demand, caching minted leaves so repeated connections to
// the same host don't pay the signing cost twice.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// Store mints and caches TLS leaf certificates signed by a locally
// generated root CA, matching the CertificateStore collaborator contract:
// GetCert(commonName) and GetRootCA().
type Store struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group

	validity time.Duration
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithValidity overrides the default leaf certificate lifetime.
func WithValidity(d time.Duration) Option {
	return func(s *Store) { s.validity = d }
}

// New creates a Store, generating a fresh root CA if storeDir does not
// already contain one, or loading the existing root from storeDir/ca.pem
// and storeDir/ca-key.pem otherwise. An empty storeDir generates an
// in-memory root that is never persisted, useful for tests and ephemeral
// runs.
func New(storeDir string, opts ...Option) (*Store, error) {
	s := &Store{
		cache:    lru.New(256),
		group:    new(singleflight.Group),
		validity: 24 * time.Hour * 30, // roughly a month, well above any single run
	}
	for _, opt := range opts {
		opt(s)
	}

	if storeDir == "" {
		cert, key, err := generateRoot()
		if err != nil {
			return nil, err
		}
		s.rootCert, s.rootKey = cert, key
		return s, nil
	}

	certPath := filepath.Join(storeDir, "ca.pem")
	keyPath := filepath.Join(storeDir, "ca-key.pem")

	if existing, err := loadRoot(certPath, keyPath); err == nil {
		s.rootCert, s.rootKey = existing.cert, existing.key
		return s, nil
	}

	cert, key, err := generateRoot()
	if err != nil {
		return nil, err
	}
	if err := persistRoot(storeDir, certPath, keyPath, cert, key); err != nil {
		return nil, err
	}
	s.rootCert, s.rootKey = cert, key
	return s, nil
}

// GetRootCA returns the certificate authority's own certificate, so it can
// be offered to clients for local trust installation.
func (s *Store) GetRootCA() *x509.Certificate {
	return s.rootCert
}

// GetCert returns a leaf certificate for commonName, minting and caching
// one if this is the first request for that name. Concurrent requests for
// the same commonName are coalesced so only one signing operation runs.
func (s *Store) GetCert(commonName string) (*tls.Certificate, error) {
	s.cacheMu.Lock()
	if val, ok := s.cache.Get(commonName); ok {
		s.cacheMu.Unlock()
		return val.(*tls.Certificate), nil
	}
	s.cacheMu.Unlock()

	val, err := s.group.Do(commonName, func() (any, error) {
		leaf, err := s.mint(commonName)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		s.cache.Add(commonName, leaf)
		s.cacheMu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Certificate), nil
}

func (s *Store) mint(commonName string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certstore: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certstore: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(s.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := parseIP(commonName); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = []string{commonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.rootCert, &leafKey.PublicKey, s.rootKey)
	if err != nil {
		return nil, fmt.Errorf("certstore: sign leaf for %s: %w", commonName, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.rootCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}

func generateRoot() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("certstore: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("certstore: generate root serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "coreproxy local MITM root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certstore: self-sign root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("certstore: parse freshly signed root: %w", err)
	}
	return cert, key, nil
}

func parseIP(commonName string) net.IP {
	return net.ParseIP(commonName)
}

// WildcardHost derives the wildcarded certificate name spec.md §4.3 step 7
// (and, via the transparent endpoint, §4.4 step 1) calls for: collapsing
// a concrete hostname's leftmost label so sibling subdomains of the same
// site share one minted leaf and one cache entry. IP literals and bare
// two-label hosts (e.g. "example.com") are returned unchanged.
func WildcardHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		return "*." + strings.Join(labels[1:], ".")
	}
	return host
}

type rootPair struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func loadRoot(certPath, keyPath string) (rootPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return rootPair{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return rootPair{}, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return rootPair{}, errors.New("certstore: no PEM block in ca.pem")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return rootPair{}, fmt.Errorf("certstore: parse stored root: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return rootPair{}, errors.New("certstore: no PEM block in ca-key.pem")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return rootPair{}, fmt.Errorf("certstore: parse stored root key: %w", err)
	}

	return rootPair{cert: cert, key: key}, nil
}

func persistRoot(dir, certPath, keyPath string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("certstore: create store dir: %w", err)
	}

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return fmt.Errorf("certstore: write ca.pem: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("certstore: marshal root key: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyOut, 0o600); err != nil {
		return fmt.Errorf("certstore: write ca-key.pem: %w", err)
	}
	return nil
}
