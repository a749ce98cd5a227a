package bytecode

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireVersion is the on-disk bytecode format version. Increment on
// incompatible changes.
const WireVersion uint16 = 1

// wireMagic prefixes every serialized image: "MCBC" (metac bytecode).
var wireMagic = []byte{'M', 'C', 'B', 'C'}

// cborEncMode uses canonical options so the same image always serializes
// to the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type imageWire struct {
	Version     uint16  `cbor:"1,keyasint"`
	Code        []byte  `cbor:"2,keyasint"`
	SourceLines []int64 `cbor:"3,keyasint"`
}

// MarshalImage serializes an image for storage: a 4-byte magic followed by
// a canonical CBOR payload.
func MarshalImage(im *Image) ([]byte, error) {
	payload, err := cborEncMode.Marshal(imageWire{
		Version:     WireVersion,
		Code:        im.Code,
		SourceLines: im.SourceLines,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal image: %w", err)
	}
	out := make([]byte, 0, len(wireMagic)+len(payload))
	out = append(out, wireMagic...)
	out = append(out, payload...)
	return out, nil
}

// UnmarshalImage deserializes an image produced by MarshalImage.
func UnmarshalImage(data []byte) (*Image, error) {
	if len(data) < len(wireMagic) || !bytes.Equal(data[:len(wireMagic)], wireMagic) {
		return nil, fmt.Errorf("not a metac bytecode image (bad magic)")
	}
	var w imageWire
	if err := cbor.Unmarshal(data[len(wireMagic):], &w); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	if w.Version > WireVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d",
			w.Version, WireVersion)
	}
	if len(w.SourceLines) != len(w.Code) {
		return nil, fmt.Errorf("corrupt image: %d code bytes but %d source line entries",
			len(w.Code), len(w.SourceLines))
	}
	return &Image{Code: w.Code, SourceLines: w.SourceLines}, nil
}
