package config

import (
	"fmt"
	"reflect"
	"strings"
)

// legacySettingAliases maps flat, PascalCase setting names used by older
// crash reporter configurations to their canonical dotted keys.
var legacySettingAliases = map[string]string{
	"handleprocesscorruptedstateexceptions": "reporting.handle_corrupted_state",
	"stopreportingafter":                    "reporting.stop_reporting_after_days",
	"maxqueuedreports":                      "reporting.max_queued",
	"additionalreportfiles":                 "reporting.additional_files",
	"minidumptype":                          "reporting.dump_severity",
	"usebackgroundsender":                   "sender.background",
	"sendtimeout":                           "sender.delay",
}

// normalizeLegacyConfigMap rewrites legacy keys into the canonical snake_case
// layout defined by the mapstructure tags. It mutates and returns data.
func normalizeLegacyConfigMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	data = lowerKeys(data)
	applyLegacyAliases(data)
	return normalizeMapForStruct(data, fileConfigType)
}

func hasLegacyKeys(data map[string]interface{}) bool {
	for k := range lowerKeys(data) {
		if _, ok := legacySettingAliases[k]; ok {
			return true
		}
	}
	return hasUnderscorelessKeys(lowerKeys(data), fileConfigType)
}

func hasUnderscorelessKeys(data map[string]interface{}, t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := canonicalTagName(field)
		legacy := strings.ReplaceAll(name, "_", "")
		if legacy != name {
			if _, ok := data[legacy]; ok {
				return true
			}
		}
		if field.Type.Kind() == reflect.Struct {
			if m, ok := data[name].(map[string]interface{}); ok && hasUnderscorelessKeys(m, field.Type) {
				return true
			}
		}
	}
	return false
}

func applyLegacyAliases(data map[string]interface{}) {
	for legacy, canonical := range legacySettingAliases {
		val, ok := data[legacy]
		if !ok {
			continue
		}
		delete(data, legacy)
		section, key, _ := strings.Cut(canonical, ".")
		m := ensureMap(data, section)
		if _, exists := m[key]; exists {
			continue
		}
		m[key] = legacyValue(canonical, val)
	}
}

// legacyValue converts values whose legacy form differs from the canonical
// one: SendTimeout was whole seconds and MiniDumpType an enum name.
func legacyValue(canonical string, val interface{}) interface{} {
	switch canonical {
	case "sender.delay":
		switch n := val.(type) {
		case int:
			return fmt.Sprintf("%ds", n)
		case float64:
			return fmt.Sprintf("%gs", n)
		}
	case "reporting.dump_severity":
		if s, ok := val.(string); ok {
			return strings.ToLower(s)
		}
	}
	return val
}

func lowerKeys(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]interface{}); ok {
			v = lowerKeys(m)
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func ensureMap(data map[string]interface{}, key string) map[string]interface{} {
	if existing, ok := data[key].(map[string]interface{}); ok {
		return existing
	}
	next := make(map[string]interface{})
	data[key] = next
	return next
}

func normalizeMapForStruct(data map[string]interface{}, t reflect.Type) map[string]interface{} {
	if data == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return data
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := canonicalTagName(field)
		if name == "" || name == "-" {
			continue
		}

		legacy := strings.ReplaceAll(name, "_", "")
		if legacy != name {
			if val, ok := data[legacy]; ok {
				if _, exists := data[name]; !exists {
					data[name] = val
				}
				delete(data, legacy)
			}
		}

		if val, ok := data[name]; ok {
			if m, ok := val.(map[string]interface{}); ok && field.Type.Kind() == reflect.Struct {
				data[name] = normalizeMapForStruct(m, field.Type)
			}
		}
	}
	return data
}

func canonicalTagName(field reflect.StructField) string {
	if tag := field.Tag.Get("mapstructure"); tag != "" {
		return strings.Split(tag, ",")[0]
	}
	if tag := field.Tag.Get("yaml"); tag != "" {
		return strings.Split(tag, ",")[0]
	}
	return strings.ToLower(field.Name)
}
