// Package yamlmerge implements the marshal-to-map / deep-merge /
// remarshal-to-map technique the teacher uses in internal/config to combine
// a base YAML document with an environment overlay. Tokentap reuses the
// exact same operation for two distinct layered documents: provider
// definitions (primary + operator override, core spec §4.1) and process
// configuration (base + environment overlay), so the merge itself lives
// here instead of being duplicated per caller.
package yamlmerge

import "gopkg.in/yaml.v3"

// Merge deep-merges two already-decoded documents (as produced by
// yaml.Unmarshal into map[string]interface{}), with override's leaves
// winning and override's arrays replacing base's wholesale.
func Merge(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if existing, ok := result[k]; ok {
			if existingMap, ok := existing.(map[string]interface{}); ok {
				if newMap, ok := v.(map[string]interface{}); ok {
					result[k] = Merge(existingMap, newMap)
					continue
				}
			}
		}
		result[k] = v
	}
	return result
}

// MergeDocuments decodes two raw YAML documents and deep-merges them,
// returning the merged generic map. Either input may be nil/empty, in
// which case it contributes nothing.
func MergeDocuments(baseYAML, overrideYAML []byte) (map[string]interface{}, error) {
	var baseMap, overrideMap map[string]interface{}

	if len(baseYAML) > 0 {
		if err := yaml.Unmarshal(baseYAML, &baseMap); err != nil {
			return nil, err
		}
	}
	if len(overrideYAML) > 0 {
		if err := yaml.Unmarshal(overrideYAML, &overrideMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}
	if overrideMap == nil {
		overrideMap = map[string]interface{}{}
	}
	return Merge(baseMap, overrideMap), nil
}

// DecodeInto re-marshals a generic map and decodes it into dst, the same
// "merge as maps, remarshal into the typed struct" round trip the teacher's
// mergeConfigs performs.
func DecodeInto(merged map[string]interface{}, dst interface{}) error {
	b, err := yaml.Marshal(merged)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, dst)
}
