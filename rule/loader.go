package rule

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseYAML decodes every YAML document in data into a validated definition.
// A definition that omits "enabled" is enabled.
func ParseYAML(data []byte) ([]*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("rule: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var defs []*Definition
	for {
		def := &Definition{Enabled: true}
		err := dec.Decode(def)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "rule: decode document %d", len(defs))
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def.Normalized())
	}
	return defs, nil
}

// LoadFile loads the definitions of one YAML file.
func LoadFile(path string) ([]*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "rule: read %s", path)
	}
	defs, err := ParseYAML(content)
	if err != nil {
		return nil, errors.Wrapf(err, "rule: %s", path)
	}
	return defs, nil
}

// LoadDir loads every *.yaml and *.yml file of dir in lexical order. Rule ids
// must be unique across files.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "rule: read dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string)
	var all []*Definition
	for _, name := range names {
		path := filepath.Join(dir, name)
		defs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if prev, dup := seen[d.ID]; dup {
				return nil, errors.Errorf("rule: id %q defined in both %s and %s", d.ID, prev, path)
			}
			seen[d.ID] = path
		}
		all = append(all, defs...)
	}
	return all, nil
}
