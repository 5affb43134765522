package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests. The version suffix allows the
// algorithm to change without colliding with old digests.
const (
	DomainRecord  = "stepsync/record/v1"
	DomainRequest = "stepsync/request/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordDigest identifies the content of a step record.
func RecordDigest(r StepRecord) (string, error) {
	canonical, err := MarshalCanonical(r)
	if err != nil {
		return "", fmt.Errorf("record digest: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// RequestDigest identifies a sync request body. Retrying the same outbox
// content with the same resolutions yields the same digest, which the
// transport sends as the idempotency key.
func RequestDigest(req SyncRequest) (string, error) {
	canonical, err := MarshalCanonical(req)
	if err != nil {
		return "", fmt.Errorf("request digest: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}
