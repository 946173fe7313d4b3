package mssync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/c360/topicrelay/errors"
)

// loxccMagic marks the start of a LoxCC container.
const loxccMagic = 0xaabbccee

// lz4 frame magic numbers, little-endian. Blocks without one of these are
// raw LZ4 block data.
const (
	lz4FrameMagic       = 0x184D2204
	lz4LegacyFrameMagic = 0x184C2102
	lz4SkippableMin     = 0x184D2A50
	lz4SkippableMax     = 0x184D2A5F
)

func isLZ4Frame(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.LittleEndian.Uint32(data[:4])
	return magic == lz4FrameMagic ||
		magic == lz4LegacyFrameMagic ||
		(magic >= lz4SkippableMin && magic <= lz4SkippableMax)
}

// DecodeLoxCC unpacks one LoxCC container: a magic word, three little-endian
// sizes, and an LZ4 payload. The uncompressed result is validated against
// both the declared size and the CRC32 checksum from the header.
func DecodeLoxCC(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("container too short: %d bytes", len(data)),
			"mssync", "DecodeLoxCC", "read header")
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != loxccMagic {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bad magic 0x%08x", magic),
			"mssync", "DecodeLoxCC", "read header")
	}

	compressedSize := binary.LittleEndian.Uint32(data[4:8])
	uncompressedSize := binary.LittleEndian.Uint32(data[8:12])
	checksum := binary.LittleEndian.Uint32(data[12:16])

	payload := data[16:]
	if uint32(len(payload)) < compressedSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload length mismatch: got %d, expected %d", len(payload), compressedSize),
			"mssync", "DecodeLoxCC", "read payload")
	}
	payload = payload[:compressedSize]

	result, err := decompress(payload, int(uncompressedSize))
	if err != nil {
		return nil, errors.WrapInvalid(err, "mssync", "DecodeLoxCC", "decompress payload")
	}

	if uint32(len(result)) != uncompressedSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("uncompressed size mismatch: got %d, expected %d", len(result), uncompressedSize),
			"mssync", "DecodeLoxCC", "verify payload")
	}
	if crc := crc32.ChecksumIEEE(result); crc != checksum {
		return nil, errors.WrapInvalid(
			fmt.Errorf("checksum mismatch: got 0x%08x, expected 0x%08x", crc, checksum),
			"mssync", "DecodeLoxCC", "verify payload")
	}
	return result, nil
}

// decompress handles both LZ4 frame and raw block payloads.
func decompress(payload []byte, uncompressedSize int) ([]byte, error) {
	if isLZ4Frame(payload) {
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	}

	out := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 block decompression: %w", err)
	}
	return out[:n], nil
}
