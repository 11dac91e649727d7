package id

import (
	cryptoRand "crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader = cryptoRand.Reader
)

// Token returns a fresh session token: a ULID with crypto/rand entropy.
func Token() string {
	mu.Lock()
	defer mu.Unlock()

	tok, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// Only possible if crypto/rand fails.
		panic(err)
	}
	return tok.String()
}

// Valid reports whether s is shaped like a token issued by Token. It does
// not say whether the token was ever issued.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
