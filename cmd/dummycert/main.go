// Command dummycert mints a leaf certificate for a single common name,
// signed by an ephemeral local root, and prints both PEM blocks to stdout.
// Useful for standing up a test origin server that needs a certificate the
// running proxy's root will trust.
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/m1tm/coreproxy/internal/certstore"
)

type config struct {
	commonName string
}

func loadConfig() *config {
	c := new(config)
	flag.StringVar(&c.commonName, "commonName", "", "leaf certificate common name")
	flag.Parse()
	return c
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	c := loadConfig()
	if c.commonName == "" {
		slog.Error("commonName required")
		os.Exit(1)
	}

	store, err := certstore.New("")
	if err != nil {
		slog.Error("create cert store", "error", err)
		os.Exit(1)
	}

	leaf, err := store.GetCert(c.commonName)
	if err != nil {
		slog.Error("mint leaf certificate", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "%s-cert.pem\n", c.commonName)
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: leaf.Certificate[0]}); err != nil {
		slog.Error("encode certificate", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "\n%s-key.pem\n", c.commonName)
	key, ok := leaf.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		slog.Error("unexpected leaf key type")
		os.Exit(1)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		slog.Error("marshal private key", "error", err)
		os.Exit(1)
	}
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		slog.Error("encode private key", "error", err)
		os.Exit(1)
	}
}
