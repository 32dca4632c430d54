// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// Envelope layout:
//
//	[0:4]   magic "DSZ\x01"
//	[4]     algorithm (1 = gzip, 2 = snappy)
//	[5:13]  xxhash64 of the uncompressed bytes, big endian
//	[13:]   compressed body
//
// The magic cannot start a JSON or YAML document, so uncompressed payloads
// are read back unchanged.
var envelopeMagic = []byte{'D', 'S', 'Z', 0x01}

const envelopeHeaderLen = 13

const (
	algGzip   byte = 1
	algSnappy byte = 2
)

func algorithmByte(c Compression) (byte, error) {
	switch c {
	case CompressionGzip, "":
		return algGzip, nil
	case CompressionSnappy:
		return algSnappy, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

// isEnvelope reports whether data starts with the compression marker.
func isEnvelope(data []byte) bool {
	return len(data) >= envelopeHeaderLen && bytes.Equal(data[:len(envelopeMagic)], envelopeMagic)
}

// compress wraps raw in an envelope using the given algorithm.
func compress(raw []byte, c Compression) ([]byte, error) {
	alg, err := algorithmByte(c)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(envelopeHeaderLen + len(raw)/2)
	out.Write(envelopeMagic)
	out.WriteByte(alg)
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(raw))
	out.Write(sum[:])

	switch alg {
	case algGzip:
		gz := gzip.NewWriter(&out)
		if _, err := gz.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("close gzip writer: %w", err)
		}
	case algSnappy:
		out.Write(snappy.Encode(nil, raw))
	}
	return out.Bytes(), nil
}

// decompress returns data unchanged when it carries no envelope, otherwise
// the verified uncompressed bytes.
func decompress(data []byte) ([]byte, error) {
	if !isEnvelope(data) {
		return data, nil
	}
	alg := data[4]
	want := binary.BigEndian.Uint64(data[5:envelopeHeaderLen])
	body := data[envelopeHeaderLen:]

	var raw []byte
	switch alg {
	case algGzip:
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer gz.Close()
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("read gzip body: %w", err)
		}
	case algSnappy:
		var err error
		raw, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decode snappy body: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: algorithm byte %d", ErrUnknownCompression, alg)
	}

	if got := xxhash.Sum64(raw); got != want {
		return nil, fmt.Errorf("%w: expected %016x, got %016x", ErrChecksumMismatch, want, got)
	}
	return raw, nil
}
