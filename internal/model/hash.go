package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with stored values.
const (
	DomainDocument   = "ferry/document/v1"
	DomainDescriptor = "ferry/descriptor/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a content hash of a document's fields.
// Equal fingerprints mean equal documents after normalization, regardless
// of key order or integer/float representation.
func Fingerprint(fields Fields) (string, error) {
	canonical, err := MarshalCanonical(map[string]any(fields))
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// DescriptorHash identifies a connection descriptor by content. Used to
// make backend registration idempotent.
func DescriptorHash(d Descriptor) (string, error) {
	canonical, err := MarshalCanonical(d.fields())
	if err != nil {
		return "", fmt.Errorf("descriptor hash: %w", err)
	}
	return hashWithDomain(DomainDescriptor, canonical), nil
}
