package types

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is one YAML document of a configuration source.
type Document struct {
	Jobs    []Job             `yaml:"jobs"`
	Queries map[string]string `yaml:"queries"`
}

// Job represents a named group of connections and queries.
type Job struct {
	Name        string       `yaml:"name"`
	Connections []Connection `yaml:"connections"`
	Queries     []Query      `yaml:"queries"`
}

// Connection represents a database connection configuration.
type Connection struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DriverClassName string `yaml:"driver_class_name"`
}

// Query represents a metric producing query. Query and QueryRef are pointers
// so that an explicitly empty value can be told apart from an absent one.
type Query struct {
	Name         string        `yaml:"name"`
	Help         string        `yaml:"help"`
	StaticLabels OrderedLabels `yaml:"static_labels"`
	Labels       []string      `yaml:"labels"`
	Values       []string      `yaml:"values"`
	Query        *string       `yaml:"query"`
	QueryRef     *string       `yaml:"query_ref"`
	CacheSeconds *int64        `yaml:"cache_seconds"`
}

// Label is a single static label as declared in the source.
type Label struct {
	Name  string
	Value string
}

// OrderedLabels is a YAML mapping decoded in declaration order.
type OrderedLabels []Label

func (l *OrderedLabels) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: static_labels must be a mapping", node.Line)
	}
	labels := make(OrderedLabels, 0, len(node.Content)/2)
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name, value string
		if err := node.Content[i].Decode(&name); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("static label %q: %w", name, err)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("line %d: duplicate static label %q", node.Content[i].Line, name)
		}
		seen[name] = struct{}{}
		labels = append(labels, Label{Name: name, Value: value})
	}
	*l = labels
	return nil
}
