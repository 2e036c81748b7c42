package activesessions

import (
	"encoding/json"
	"fmt"
	"os"
)

// profileRecord is the on-disk shape of one entry in agent-profiles.json,
// per spec.md's "<config-dir>/agent-profiles.json — aliases & identity
// metadata".
type profileRecord struct {
	Alias   string `json:"alias"`
	AgentID string `json:"agentId"`
	Label   string `json:"label"`
}

// LoadProfiles reads agent-profiles.json at path and returns it keyed by
// alias, ready to hand to Registry.SetAgentProfiles. A missing file is not
// an error — it returns an empty map, since @alias mentions are optional.
func LoadProfiles(path string) (map[string]AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AgentProfile{}, nil
		}
		return nil, fmt.Errorf("activesessions: reading agent profiles %q: %w", path, err)
	}

	var records []profileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("activesessions: parsing agent profiles %q: %w", path, err)
	}

	profiles := make(map[string]AgentProfile, len(records))
	for _, r := range records {
		if r.Alias == "" {
			continue
		}
		profiles[r.Alias] = AgentProfile{Alias: r.Alias, AgentID: r.AgentID, Label: r.Label}
	}
	return profiles, nil
}
