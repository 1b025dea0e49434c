package rand

import (
	"crypto/rand"
	"fmt"
)

const lowerAlnum = "0123456789abcdefghijklmnopqrstuvwxyz"

// Suffix returns an n character lowercase alphanumeric string. It is used for
// names that only need to be unique among concurrently running processes,
// such as queue consumer names.
func Suffix(n int) (string, error) {
	return fromAlphabet(lowerAlnum, n)
}

// Name joins base and a random suffix with a dash.
func Name(base string, n int) (string, error) {
	s, err := Suffix(n)
	if err != nil {
		return "", err
	}
	return base + "-" + s, nil
}

// fromAlphabet draws bytes from crypto/rand and rejects values outside the
// alphabet after masking, so every character is equally likely.
func fromAlphabet(alphabet string, length int) (string, error) {
	size := len(alphabet)
	if size == 0 || size > 256 {
		return "", fmt.Errorf("alphabet length must be between 1 and 256, got %d", size)
	}
	if length <= 0 {
		return "", nil
	}

	var bits uint
	for n := size - 1; n != 0; n >>= 1 {
		bits++
	}
	mask := byte(1<<bits - 1)

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/3+1)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if idx := int(b & mask); idx < size {
				out = append(out, alphabet[idx])
				if len(out) == length {
					break
				}
			}
		}
	}
	return string(out), nil
}
