package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type wireDatacenters struct {
	Datacenters []json.RawMessage `json:"datacenters"`
	Count       int               `json:"count"`
	FilterMode  string            `json:"filter_mode"`
	Selected    []string          `json:"selected"`
}

// parseDatacenters accepts entries as objects {code, location} or strings
// "Location (CODE)" and returns them sorted by code. Entries without a code
// are dropped.
func parseDatacenters(raw []json.RawMessage) ([]Datacenter, error) {
	out := make([]Datacenter, 0, len(raw))
	for _, r := range raw {
		dc, err := parseDatacenter(r)
		if err != nil {
			return nil, err
		}
		if dc.Code == "" {
			continue
		}
		out = append(out, dc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func parseDatacenter(r json.RawMessage) (Datacenter, error) {
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return parseDatacenterLabel(s), nil
	}
	var dc Datacenter
	if err := json.Unmarshal(r, &dc); err != nil {
		return Datacenter{}, fmt.Errorf("datacenter entry %s: %w", string(r), err)
	}
	dc.Code = strings.ToUpper(strings.TrimSpace(dc.Code))
	dc.Location = strings.TrimSpace(dc.Location)
	return dc, nil
}

// parseDatacenterLabel splits "Hong Kong (HKG)". A label without a trailing
// "(CODE)" is taken as a bare code.
func parseDatacenterLabel(s string) Datacenter {
	s = strings.TrimSpace(s)
	open := strings.LastIndex(s, "(")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Datacenter{Code: strings.ToUpper(s), Location: s}
	}
	return Datacenter{
		Code:     strings.ToUpper(strings.TrimSpace(s[open+1 : len(s)-1])),
		Location: strings.TrimSpace(s[:open]),
	}
}
