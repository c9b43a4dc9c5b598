package targets

import (
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLoader accepts either a bare list or a mapping with a targets key.
// List entries may be strings or objects with a url field.
type YAMLLoader struct{}

type yamlEntry struct {
	URL string
}

func (e *yamlEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.URL = node.Value
		return nil
	}
	var obj struct {
		URL  string `yaml:"url"`
		Shop string `yaml:"shop"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	e.URL = obj.URL
	if e.URL == "" {
		e.URL = obj.Shop
	}
	return nil
}

func (l *YAMLLoader) Load(r io.Reader) ([]string, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var entries []yamlEntry
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&entries); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var wrapped struct {
			Targets []yamlEntry `yaml:"targets"`
		}
		if err := doc.Decode(&wrapped); err != nil {
			return nil, err
		}
		entries = wrapped.Targets
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URL)
	}
	return out, nil
}
