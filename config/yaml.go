package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

func parseYaml(out interface{}, blob []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("can't parse yaml: %w", err)
	}
	return nil
}

// strictDecode re-decodes a subtree node with unknown fields rejected, which
// node.Decode alone does not enforce.
func strictDecode(node *yaml.Node, out interface{}) error {
	blob, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("can't serialize yaml node: %w", err)
	}
	return parseYaml(out, blob)
}
