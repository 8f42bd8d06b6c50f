// Package centroidstore provides the persistent centroid store behind the
// engine and the builder. Three implementations share one key layout:
// RedisStore for multi-node deployments, BadgerStore for embedded
// single-node ones, and MemoryStore for tests and development.
//
// Layout per (tenant, tag) pair:
//
//	centroid:{tenant}:{tag}      raw little-endian float32 bytes, 4·D long
//	centroid_meta:{tenant}:{tag} JSON {"updated_at", "source_count", "dimension"}
//
// Both keys carry the same TTL, so a centroid and its metadata expire
// together.
package centroidstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/tessera-ai/fedsearch"
)

const (
	vectorPrefix = "centroid:"
	metaPrefix   = "centroid_meta:"
)

func vectorKey(tenant, tag string) string {
	return vectorPrefix + tenant + ":" + tag
}

func metaKey(tenant, tag string) string {
	return metaPrefix + tenant + ":" + tag
}

// encodeVector packs v as little-endian float32 bytes.
func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// decodeVector unpacks little-endian float32 bytes. Rejects lengths that are
// not a multiple of four; a truncated value must not decode silently.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("centroid value length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// centroidMeta is the JSON sidecar stored next to each vector.
type centroidMeta struct {
	UpdatedAt   time.Time `json:"updated_at"`
	SourceCount int       `json:"source_count"`
	Dimension   int       `json:"dimension"`
}

func encodeMeta(c fedsearch.Centroid) ([]byte, error) {
	return json.Marshal(centroidMeta{
		UpdatedAt:   c.UpdatedAt,
		SourceCount: c.SourceCount,
		Dimension:   c.Dimension,
	})
}

// assemble combines a decoded vector with its metadata bytes. Missing or
// unreadable metadata degrades to a centroid with zero metadata rather than
// losing the vector; the dimension then comes from the vector itself.
func assemble(vec []float32, metaBytes []byte) fedsearch.Centroid {
	c := fedsearch.Centroid{Vector: vec, Dimension: len(vec)}
	if len(metaBytes) == 0 {
		return c
	}
	var m centroidMeta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return c
	}
	c.UpdatedAt = m.UpdatedAt
	c.SourceCount = m.SourceCount
	if m.Dimension > 0 {
		c.Dimension = m.Dimension
	}
	return c
}
