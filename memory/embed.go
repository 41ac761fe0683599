package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

const DefaultDimension = 256

// HashEmbedder maps text to a fixed-size vector without a model: every
// whitespace token is hashed with SHA-256 and each quarter of the digest
// bumps one bucket. Vectors are L2-normalised so a dot product is the
// cosine similarity.
type HashEmbedder struct {
	Dimension int
}

func (h HashEmbedder) Embed(text string) []float32 {
	dim := h.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	vec := make([]float32, dim)
	for _, token := range strings.Fields(text) {
		sum := sha256.Sum256([]byte(token))
		for seg := 0; seg < 4; seg++ {
			chunk := sum[seg*8 : seg*8+8]
			vec[binary.BigEndian.Uint64(chunk)%uint64(dim)]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero magnitude score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
