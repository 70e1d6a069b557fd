package findings

import "clashd27/internal/types"

// DiscoveryView is the current state of one discovery as seen in the log.
type DiscoveryView struct {
	Latest   Finding
	Payload  *types.Discovery
	DeepDive bool // a deep_dive record exists
}

// Discoveries folds discovery records into the latest view per id, in order
// of first appearance.
func Discoveries(records []Finding) []DiscoveryView {
	index := make(map[string]int)
	var out []DiscoveryView
	for _, r := range records {
		if r.Tag != TagDiscovery || r.DiscoveryID == nil {
			continue
		}
		id := *r.DiscoveryID
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, DiscoveryView{})
		}
		v := &out[i]
		v.Latest = r
		if r.Payload != nil && v.Payload == nil {
			v.Payload = r.Payload
		}
		if r.Stage == types.StageDeepDive {
			v.DeepDive = true
		}
	}
	return out
}

// CorridorDiscoveries returns the views whose corridor matches.
func CorridorDiscoveries(records []Finding, corridor string) []DiscoveryView {
	var out []DiscoveryView
	for _, v := range Discoveries(records) {
		if v.Latest.Corridor == corridor {
			out = append(out, v)
		}
	}
	return out
}
