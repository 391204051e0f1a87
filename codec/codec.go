// Package codec turns cached values into bytes for the spill tier and back.
//
// Spilled values are plain data trees: map[string]any objects, slices and
// scalars. Every codec here must decode maps as map[string]any so restored
// objects compare equal to freshly fetched ones.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
