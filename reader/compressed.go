package reader

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/devnexen/pstack/internal/pstackerr"
	"github.com/klauspost/compress/zstd"
)

// compressionKind identifies the scheme a compressed section's header
// advertises: SHF_COMPRESSED's ELFCOMPRESS_ZLIB/ELFCOMPRESS_ZSTD headers,
// or the legacy ".zdebug_*" "ZLIB" magic.
type compressionKind int

const (
	// NotCompressed indicates the section's bytes are not compressed.
	NotCompressed compressionKind = iota
	// ZlibLegacy is the ".zdebug_*" 4-byte "ZLIB" + 8-byte size header.
	ZlibLegacy
	// Zlib is an SHF_COMPRESSED section with ch_type == ELFCOMPRESS_ZLIB.
	Zlib
	// Zstd is an SHF_COMPRESSED section with ch_type == ELFCOMPRESS_ZSTD.
	Zstd
)

const (
	elfCompressZlib = 1
	elfCompressZstd = 2
)

// Decompress inflates raw section bytes according to kind. elfClass64
// selects the Elf32_Chdr/Elf64_Chdr layout for the SHF_COMPRESSED header
// (ignored for ZlibLegacy, which has its own fixed layout).
func Decompress(kind compressionKind, raw []byte, order binary.ByteOrder, elfClass64 bool) ([]byte, error) {
	switch kind {
	case NotCompressed:
		return raw, nil
	case ZlibLegacy:
		return decompressLegacyZlib(raw)
	case Zlib, Zstd:
		hdrLen := 12
		if elfClass64 {
			hdrLen = 24
		}
		if len(raw) < hdrLen {
			return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.Decompress",
				fmt.Errorf("SHF_COMPRESSED header truncated"))
		}
		var size uint64
		if elfClass64 {
			size = order.Uint64(raw[8:16])
		} else {
			size = uint64(order.Uint32(raw[4:8]))
		}
		body := raw[hdrLen:]
		if kind == Zlib {
			return decompressZlibBody(body, size)
		}
		return decompressZstdBody(body, size)
	default:
		return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.Decompress", fmt.Errorf("unknown compression kind %d", kind))
	}
}

// DetectSHFCompressed inspects an SHF_COMPRESSED section's ch_type field
// to decide between Zlib and Zstd as indicated by the section's
// compression header.
func DetectSHFCompressed(raw []byte, order binary.ByteOrder) (compressionKind, error) {
	if len(raw) < 4 {
		return NotCompressed, pstackerr.New(pstackerr.KindBadFormat, "reader.DetectSHFCompressed", fmt.Errorf("truncated compression header"))
	}
	switch order.Uint32(raw[0:4]) {
	case elfCompressZlib:
		return Zlib, nil
	case elfCompressZstd:
		return Zstd, nil
	default:
		return NotCompressed, pstackerr.New(pstackerr.KindBadFormat, "reader.DetectSHFCompressed", fmt.Errorf("unsupported ch_type"))
	}
}

// DetectLegacyZdebug reports whether raw begins with the ".zdebug_*" "ZLIB"
// magic used by the legacy compressed-debug-section convention.
func DetectLegacyZdebug(raw []byte) bool {
	return len(raw) >= 12 && string(raw[:4]) == "ZLIB"
}

func decompressLegacyZlib(raw []byte) ([]byte, error) {
	if !DetectLegacyZdebug(raw) {
		return raw, nil
	}
	dlen := binary.BigEndian.Uint64(raw[4:12])
	return inflateZlib(raw[12:], dlen)
}

func decompressZlibBody(body []byte, size uint64) ([]byte, error) {
	return inflateZlib(body, size)
}

func inflateZlib(body []byte, size uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.inflateZlib", err)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.inflateZlib", err)
	}
	return out, nil
}

func decompressZstdBody(body []byte, size uint64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.decompressZstdBody", err)
	}
	defer dec.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(dec, out); err != nil {
		return nil, pstackerr.New(pstackerr.KindBadFormat, "reader.decompressZstdBody", err)
	}
	return out, nil
}
