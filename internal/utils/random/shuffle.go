package random

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
)

// Source supplies uniform integers in [0, n). *math/rand/v2.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// Secure returns a Source backed by crypto/rand. Draw results are secret, so
// production draws use this one.
func Secure() Source {
	return mrand.New(cryptoSource{})
}

// Seeded returns a deterministic Source for tests and reproducible runs.
// It is safe for concurrent use.
func Seeded(seed uint64) Source {
	return &lockedSource{r: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type lockedSource struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

type cryptoSource struct{}

func (cryptoSource) Uint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("random: crypto/rand failed: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Shuffle performs a Fisher-Yates shuffle of the slice using src.
func Shuffle[T any](src Source, slice []T) {
	for i := len(slice) - 1; i > 0; i-- {
		j := src.IntN(i + 1)
		slice[i], slice[j] = slice[j], slice[i]
	}
}

// Pick returns a uniformly chosen element of a non-empty slice.
func Pick[T any](src Source, slice []T) T {
	return slice[src.IntN(len(slice))]
}
