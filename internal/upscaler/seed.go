package upscaler

import "math/rand/v2"

// RandomSeed is the sentinel asking for a freshly drawn seed.
const RandomSeed int64 = -1

// SanitizeSeed maps RandomSeed to a random value in [0, 2^32) and passes any
// other seed through unchanged.
func SanitizeSeed(seed int64) int64 {
	if seed == RandomSeed {
		return int64(rand.Uint32())
	}
	return seed
}
