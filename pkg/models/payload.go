package models

import "encoding/json"

// PayloadHints are the scheduling fields a build payload may carry at
// its top level. The master treats the rest of the payload as opaque
// bytes that belong to the agent.
type PayloadHints struct {
	OrgID     string           `json:"org_id"`
	Resources *ResourceRequest `json:"resources"`
}

// ExtractPayloadHints reads the scheduling hints out of a payload.
// Malformed payloads yield empty hints; scheduling proceeds unscoped
// rather than failing the build.
func ExtractPayloadHints(payload json.RawMessage) PayloadHints {
	var hints PayloadHints
	if len(payload) == 0 {
		return hints
	}
	_ = json.Unmarshal(payload, &hints)
	return hints
}
