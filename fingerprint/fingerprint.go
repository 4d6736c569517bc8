// Package fingerprint computes content fingerprints for document and
// fragment payloads. A fingerprint is a SHA256 hex digest over the payload
// bytes followed by the canonicalized metadata string, so the same
// payload/metadata pair always yields the same fingerprint regardless of
// which domain computes it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/c360/docrelay/errors"
)

// Compute returns the fingerprint of a payload plus its metadata.
// Metadata is canonicalized (surrounding whitespace stripped) before
// hashing so serialization quirks on either side of a transfer do not
// change content identity.
func Compute(payload []byte, metadata string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(canonicalize(metadata)))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeReader is the streaming variant of Compute for payloads too large
// to hold in memory.
func ComputeReader(payload io.Reader, metadata string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, payload); err != nil {
		return "", errors.WrapTransient(err, "fingerprint", "ComputeReader", "read payload")
	}
	h.Write([]byte(canonicalize(metadata)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether payload/metadata hash to the expected fingerprint.
func Verify(payload []byte, metadata, expected string) bool {
	return expected != "" && Compute(payload, metadata) == expected
}

// VerifyPayload checks only the payload bytes against a fingerprint that
// was computed without metadata. Fragments use this form: their
// fingerprints cover the chunk bytes alone.
func VerifyPayload(payload []byte, expected string) bool {
	return Verify(payload, "", expected)
}

func canonicalize(metadata string) string {
	return strings.TrimSpace(metadata)
}
