package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SaveUISelection records the console's last mode and model as
// ui.default_mode and ui.default_model. Comments and the rest of the file
// are preserved by editing the yaml.Node tree.
func SaveUISelection(configPath, mode, model string) error {
	return SaveValues(configPath, map[string]string{
		"ui.default_mode":  mode,
		"ui.default_model": model,
	})
}

// SaveValues sets dotted scalar keys (e.g. "ui.default_model") in the
// config file, creating missing sections. Empty values are skipped.
func SaveValues(configPath string, values map[string]string) error {
	data, err := os.ReadFile(configPath) // #nosec G304 -- path from user config
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: top level is not a mapping")
	}
	root := doc.Content[0]

	for key, value := range values {
		if value == "" {
			continue
		}
		if err := setScalar(root, strings.Split(key, "."), value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// setScalar walks (and creates) mapping nodes along path and sets the leaf.
func setScalar(node *yaml.Node, path []string, value string) error {
	for i, name := range path {
		if node.Kind != yaml.MappingNode {
			return fmt.Errorf("%q is not a mapping", name)
		}
		var child *yaml.Node
		for j := 0; j+1 < len(node.Content); j += 2 {
			if node.Content[j].Value == name {
				child = node.Content[j+1]
				break
			}
		}
		last := i == len(path)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, child)
		}
		if last {
			if child.Kind != yaml.ScalarNode {
				return fmt.Errorf("%q is not a scalar", name)
			}
			child.Value = value
			child.Tag = "!!str"
			child.Style = 0
			return nil
		}
		node = child
	}
	return nil
}

// writeAtomic writes via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".llamadesk.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
