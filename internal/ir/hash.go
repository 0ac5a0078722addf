package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity.
const (
	DomainAction  = "qtinav/action/v1"
	DomainTestMap = "qtinav/testmap/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ActionID computes the identity of a queued action. Two submissions of the
// same sequence number with different content produce different ids, which
// lets synchronisation tell a retry from a conflicting action.
func ActionID(executionID string, sequence int64, typ ActionType, payload Record) (string, error) {
	if payload == nil {
		payload = Record{}
	}
	obj := Record{
		"execution_id": String(executionID),
		"sequence":     Int(sequence),
		"action":       String(typ),
		"parameters":   payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ActionID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAction, canonical), nil
}

// TestMapHash computes a content hash of a compiled test map. Caches use it
// to detect that a map changed between deliveries.
func TestMapHash(tm *TestMap) (string, error) {
	raw, err := json.Marshal(tm)
	if err != nil {
		return "", fmt.Errorf("TestMapHash: %w", err)
	}
	v, err := DecodeValue(raw)
	if err != nil {
		return "", fmt.Errorf("TestMapHash: %w", err)
	}
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("TestMapHash: %w", err)
	}
	return hashWithDomain(DomainTestMap, canonical), nil
}

// MustActionID is ActionID for tests and literals. Panics on error.
func MustActionID(executionID string, sequence int64, typ ActionType, payload Record) string {
	id, err := ActionID(executionID, sequence, typ, payload)
	if err != nil {
		panic(err)
	}
	return id
}
