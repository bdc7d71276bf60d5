package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// pngHeaderLen covers the signature and the IHDR chunk, which must come first.
const pngHeaderLen = 8 + 4 + 4 + 13 + 4

// withTextChunk inserts a tEXt chunk right after IHDR. Keys are Latin-1 and
// at most 79 bytes long.
func withTextChunk(img []byte, key, text string) ([]byte, error) {
	if len(key) == 0 || len(key) > 79 {
		return nil, errors.New("png text key must be 1 to 79 bytes")
	}
	if len(img) < pngHeaderLen || !bytes.Equal(img[12:16], []byte("IHDR")) {
		return nil, errors.New("not a png image")
	}

	data := make([]byte, 0, len(key)+1+len(text))
	data = append(data, key...)
	data = append(data, 0)
	data = append(data, text...)

	chunk := make([]byte, 0, 12+len(data))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(data)))
	chunk = append(chunk, "tEXt"...)
	chunk = append(chunk, data...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(img)+len(chunk))
	out = append(out, img[:pngHeaderLen]...)
	out = append(out, chunk...)
	out = append(out, img[pngHeaderLen:]...)
	return out, nil
}
