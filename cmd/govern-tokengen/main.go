// govern-tokengen generates a development keypair and a signed actor token
// for exercising the service with bearer-token auth: the public key PEM goes
// to GOVERN_TOKEN_KEYS_FILE and the token into an Authorization header.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	subject := flag.String("sub", "dev-steward", "token subject (actor id)")
	roleList := flag.String("roles", "Data Steward|Platform Admin", "roles claim, pipe-separated")
	keyOut := flag.String("key-out", "devcerts/token_keys.pem", "public key PEM output path")
	tokenOut := flag.String("token-out", "devcerts/actor_token.txt", "signed token output path")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	flag.Parse()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	must(err)

	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	must(err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1})

	must(os.MkdirAll(filepath.Dir(*keyOut), 0o755))
	must(os.WriteFile(*keyOut, pubPEM, 0o644))
	fmt.Printf("wrote public key -> %s\n", *keyOut)

	var roles []string
	for _, r := range strings.Split(*roleList, "|") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   *subject,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(*expSecs) * time.Second).Unix(),
	})
	signed, err := token.SignedString(priv)
	must(err)

	must(os.MkdirAll(filepath.Dir(*tokenOut), 0o755))
	must(os.WriteFile(*tokenOut, []byte(signed+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (sub=%s roles=%s)\n", *tokenOut, *subject, strings.Join(roles, ","))
}
