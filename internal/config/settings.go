package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Profile is the datastore connection for one server.
type Profile struct {
	RootURL   string `json:"ckan_root_url"`
	PackageID string `json:"package_id"`
	APIKey    string `json:"ckan_api_key"`
}

// Settings is the credentials file shared with other loaders:
//
//	{"loader": {"test": {"ckan_root_url": "...", "package_id": "...", "ckan_api_key": "..."}}}
type Settings struct {
	Loader map[string]Profile `json:"loader"`
}

// LoadSettings reads and parses the settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return &s, nil
}

// Profile returns the named server profile.
func (s *Settings) Profile(server string) (Profile, error) {
	p, ok := s.Loader[server]
	if !ok {
		names := make([]string, 0, len(s.Loader))
		for name := range s.Loader {
			names = append(names, name)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("server %q not in settings (have: %s)", server, strings.Join(names, ", "))
	}
	if p.RootURL == "" {
		return Profile{}, fmt.Errorf("server %q: ckan_root_url is empty", server)
	}
	return p, nil
}
