package domain

import (
	"encoding/json"
	"time"
)

// ResultKindAnalysis prefixes cache kinds holding pipeline output.
const ResultKindAnalysis = "analysis"

// OwnerKey identifies one cache row: a caller plus a result kind.
type OwnerKey struct {
	Caller string `json:"caller"`
	Kind   string `json:"kind"`
}

// AnalysisKey is the owner key of a caller's cached analysis of one subject.
func AnalysisKey(caller, subjectID string) OwnerKey {
	return OwnerKey{Caller: caller, Kind: ResultKindAnalysis + "/" + subjectID}
}

// String renders the key for logs and storage.
func (k OwnerKey) String() string {
	return k.Caller + ":" + k.Kind
}

// CacheEntry is the last successful output stored for an owner.
type CacheEntry struct {
	OwnerKey  OwnerKey        `json:"owner_key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry must be treated as absent at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
