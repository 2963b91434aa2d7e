// Command keygen generates the RSA signing key pair the API loads at boot.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"log"
	"os"
	"path/filepath"

	"idgate.io/internal/keys"
)

func main() {
	log.SetFlags(0)
	var (
		bits    = flag.Int("bits", 2048, "RSA key size in bits")
		privOut = flag.String("private", "ops/keys/idgate.key", "Private key output path (PKCS#8 PEM)")
		pubOut  = flag.String("public", "ops/keys/idgate.pub", "Public key output path (PKIX PEM)")
		force   = flag.Bool("force", false, "Overwrite existing key files")
	)
	flag.Parse()

	if *bits < 2048 {
		log.Fatalf("key size %d too small, use at least 2048 bits", *bits)
	}
	if !*force {
		for _, path := range []string{*privOut, *pubOut} {
			if _, err := os.Stat(path); err == nil {
				log.Fatalf("%s already exists, pass -force to overwrite", path)
			}
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	privPEM, err := keys.EncodePrivatePEM(key)
	if err != nil {
		log.Fatalf("encode private key: %v", err)
	}
	pubPEM, err := keys.EncodePublicPEM(&key.PublicKey)
	if err != nil {
		log.Fatalf("encode public key: %v", err)
	}

	if err := writeKeyFile(*privOut, privPEM, 0o600); err != nil {
		log.Fatalf("write %s: %v", *privOut, err)
	}
	if err := writeKeyFile(*pubOut, pubPEM, 0o644); err != nil {
		log.Fatalf("write %s: %v", *pubOut, err)
	}
	log.Printf("wrote %s and %s (%d bits)", *privOut, *pubOut, *bits)
}

func writeKeyFile(path string, data []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, mode)
}
