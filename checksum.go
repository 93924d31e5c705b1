package migrate

import (
	"bytes"
	"hash/crc32"
)

// Checksum is a deterministic int32 digest of a migration script's body.
// It must be stable across platforms and across versions of this engine
// for the same input — changing the algorithm below requires a stored
// schema upgrade path (see MetadataStore.UpgradeIfNecessary).
type Checksum int32

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ComputeChecksum computes the checksum of a migration script. Trailing
// newlines and a leading UTF-8 byte-order-mark are stripped before
// hashing, matching the teacher's SQLChecksum normalization but upgraded
// from a hex MD5 string to the int32 digest the spec requires.
func ComputeChecksum(body []byte) Checksum {
	b := bytes.TrimPrefix(body, utf8BOM)
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return Checksum(int32(crc32.ChecksumIEEE(b)))
}

// ComputeChecksumString is a convenience wrapper over ComputeChecksum for
// callers holding a string rather than a byte slice.
func ComputeChecksumString(body string) Checksum {
	return ComputeChecksum([]byte(body))
}
