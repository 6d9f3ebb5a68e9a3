package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tickpipe/internal/pipeerr"
)

// credentialMarkers flag keys that look like secrets. Secrets belong in the
// environment, so a pipeline file carrying one is rejected.
var credentialMarkers = []string{
	"secret", "password", "passwd", "access_key", "key_id", "token", "credential",
}

// Load reads a pipeline file, decoding by extension: .yaml and .yml are YAML,
// anything else is JSON. Defaults are not applied.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, pipeerr.New(pipeerr.ConfigError, "config", path, err)
	}
	return Decode(b, filepath.Ext(path))
}

// Decode parses b as YAML when ext is .yaml or .yml, else as JSON.
func Decode(b []byte, ext string) (Pipeline, error) {
	var (
		raw any
		p   Pipeline
		err error
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(b, &raw); err == nil {
			err = yaml.Unmarshal(b, &p)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err = dec.Decode(&raw); err == nil {
			err = json.Unmarshal(b, &p)
		}
	}
	if err != nil {
		return Pipeline{}, pipeerr.New(pipeerr.ConfigError, "config", "", fmt.Errorf("decode: %w", err))
	}
	if keys := credentialKeys(raw, ""); len(keys) > 0 {
		return Pipeline{}, pipeerr.Newf(pipeerr.ConfigError, "config", "",
			"credentials must come from the environment, found %s", strings.Join(keys, ", "))
	}
	return p, nil
}

// credentialKeys walks a decoded document and returns the dotted paths of
// keys that look like secrets.
func credentialKeys(v any, path string) []string {
	var out []string
	switch vv := v.(type) {
	case map[string]any:
		for k, child := range vv {
			p := k
			if path != "" {
				p = path + "." + k
			}
			lk := strings.ToLower(k)
			for _, m := range credentialMarkers {
				if strings.Contains(lk, m) {
					out = append(out, p)
					break
				}
			}
			out = append(out, credentialKeys(child, p)...)
		}
	case []any:
		for i, child := range vv {
			out = append(out, credentialKeys(child, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	sort.Strings(out)
	return out
}
