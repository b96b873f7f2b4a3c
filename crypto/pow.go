package crypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// StampSize is the size, in bytes, of a proof-of-work stamp nonce.
const StampSize = 24

// Stamp is a nonce such that blake2b(pubkey || nonce) has a configured
// number of leading zero bits. Generating one is moderately expensive,
// checking one is cheap, which is what makes it useful for throttling
// cheap connection spam.
type Stamp [StampSize]byte

// GenerateStamp searches for a stamp satisfying the difficulty for the
// given public key. The search is unbounded in principle, so it accepts a
// context for cancellation.
func GenerateStamp(ctx context.Context, pubKey PubKey, difficulty uint) (Stamp, error) {
	var stamp Stamp
	if _, err := rand.Read(stamp[:8]); err != nil {
		return stamp, err
	}

	var counter uint64
	for {
		if counter%4096 == 0 {
			select {
			case <-ctx.Done():
				return stamp, ctx.Err()
			default:
			}
		}
		binary.BigEndian.PutUint64(stamp[StampSize-8:], counter)
		if CheckStamp(pubKey, stamp, difficulty) {
			return stamp, nil
		}
		counter++
	}
}

// CheckStamp reports whether the stamp satisfies the difficulty for the
// given public key.
func CheckStamp(pubKey PubKey, stamp Stamp, difficulty uint) bool {
	h, _ := blake2b.New256(nil)
	h.Write(pubKey)
	h.Write(stamp[:])
	return leadingZeroBits(h.Sum(nil)) >= int(difficulty)
}

func leadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
