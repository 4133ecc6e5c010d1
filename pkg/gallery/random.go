package gallery

import (
	"fmt"
	"math/rand/v2"
)

// IntN returns a uniform integer in [0, n). It must accept any n > 0.
type IntN func(n int) int

// DefaultIntN draws from the process-wide math/rand/v2 source.
func DefaultIntN(n int) int {
	return rand.IntN(n)
}

// PickRandom selects one URL uniformly from urls.
func PickRandom(urls []string, intn IntN) (string, error) {
	if len(urls) == 0 {
		return "", ErrEmptyAlbum
	}
	if len(urls) == 1 {
		return urls[0], nil
	}
	if intn == nil {
		intn = DefaultIntN
	}

	index := intn(len(urls))
	if index < 0 || index >= len(urls) {
		return "", fmt.Errorf("pick random image: index %d out of range [0,%d)", index, len(urls))
	}

	return urls[index], nil
}
