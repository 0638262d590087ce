package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change later.
const (
	DomainActivity = "fsreplay/activity/v1"
	DomainPayload  = "fsreplay/payload/v1"
	DomainLockdown = "fsreplay/lockdown/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data) as hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest identifies a byte payload (write data, read data).
// Payloads enter activity identity only through their digest.
func PayloadDigest(data []byte) string {
	return hashWithDomain(DomainPayload, data)
}

// ActivityID computes the content-addressed id of an activity.
// The same run, seq and request always produce the same id.
func ActivityID(runID string, seq int64, request Object) (string, error) {
	obj := Object{
		"run_id":  String(runID),
		"seq":     Int(seq),
		"request": request,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ActivityID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainActivity, canonical), nil
}

// LockdownID computes the id of a lockdown entry.
func LockdownID(runID string, seq int64, reason string) (string, error) {
	obj := Object{
		"run_id": String(runID),
		"seq":    Int(seq),
		"reason": String(reason),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("LockdownID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainLockdown, canonical), nil
}

// MustActivityID is like ActivityID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustActivityID(runID string, seq int64, request Object) string {
	id, err := ActivityID(runID, seq, request)
	if err != nil {
		panic(err)
	}
	return id
}
