package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is a point-in-time dump of the observatory topology: which
// telescopes exist, where, and what class they are. Submission validation
// resolves locations against it instead of calling the topology service on
// every request.
type Snapshot struct {
	Sites []Site `json:"sites"`
}

type Site struct {
	Code       string      `json:"code"`
	Enclosures []Enclosure `json:"enclosures"`
}

type Enclosure struct {
	Code       string      `json:"code"`
	Telescopes []Telescope `json:"telescopes"`
}

type Telescope struct {
	Code  string `json:"code"`
	Class string `json:"class"`
}

// LoadSnapshot reads a topology snapshot from a JSON file.
func LoadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse topology snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// TelescopeClass resolves the class of a telescope, reporting whether the
// (site, enclosure, telescope) triple exists at all.
func (s *Snapshot) TelescopeClass(site, enclosure, telescope string) (string, bool) {
	for _, st := range s.Sites {
		if st.Code != site {
			continue
		}
		for _, enc := range st.Enclosures {
			if enc.Code != enclosure {
				continue
			}
			for _, tel := range enc.Telescopes {
				if tel.Code == telescope {
					return tel.Class, true
				}
			}
		}
	}
	return "", false
}

// HasLocation reports whether the triple exists in the topology.
func (s *Snapshot) HasLocation(site, enclosure, telescope string) bool {
	_, ok := s.TelescopeClass(site, enclosure, telescope)
	return ok
}

// SiteCodes lists the site codes in snapshot order.
func (s *Snapshot) SiteCodes() []string {
	codes := make([]string, 0, len(s.Sites))
	for _, st := range s.Sites {
		codes = append(codes, st.Code)
	}
	return codes
}
