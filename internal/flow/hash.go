package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainFlow    = "autoflow/flow/v1"
	DomainReduced = "autoflow/reduced/v1"
)

// idHexLen is the number of hex characters kept from the digest.
const idHexLen = 16

// hashWithDomain computes SHA256(domain + 0x00 + data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FlowID derives the identifier of a designed flow from its request.
// RequestID, Timestamp and PreOptimize are excluded so that the same design
// question asked twice yields the same flow.
func FlowID(req FlowRequest) (string, error) {
	key := struct {
		Goal     string   `json:"goal"`
		Context  Context  `json:"context"`
		Systems  []System `json:"systems"`
		Priority Priority `json:"priority"`
	}{req.Goal, req.Context, req.Systems, req.Priority}
	if key.Systems == nil {
		key.Systems = []System{}
	}
	canonical, err := MarshalCanonical(key)
	if err != nil {
		return "", fmt.Errorf("FlowID: %w", err)
	}
	return "flow-" + hashWithDomain(DomainFlow, canonical)[:idHexLen], nil
}

// ReducedID derives the identifier of a simplified flow from the original
// flow ID and the IDs of the steps that survived.
func ReducedID(originalID string, stepIDs []string) (string, error) {
	if stepIDs == nil {
		stepIDs = []string{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"original_id": originalID,
		"steps":       stepIDs,
	})
	if err != nil {
		return "", fmt.Errorf("ReducedID: %w", err)
	}
	return "flow-" + hashWithDomain(DomainReduced, canonical)[:idHexLen], nil
}

// StepID returns the identifier of the n-th created step (1-based).
func StepID(n int) string {
	return fmt.Sprintf("s%02d", n)
}
