package opentelemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/LerianStudio/lib-retry/retry/security"
)

// RedactionAction selects what happens to a matched value.
type RedactionAction string

const (
	// RedactionMask replaces the value with the redactor's mask.
	RedactionMask RedactionAction = "mask"
	// RedactionDrop removes the attribute or field entirely.
	RedactionDrop RedactionAction = "drop"
	// RedactionHash replaces the value with a sha256 digest, keeping
	// correlation across spans without exposing the value.
	RedactionHash RedactionAction = "hash"
)

// RedactionRule matches fields by name and/or dotted path. An empty pattern
// matches everything, so a rule with both patterns empty is ignored.
type RedactionRule struct {
	FieldPattern string
	PathPattern  string
	Action       RedactionAction
}

type compiledRule struct {
	field  *regexp.Regexp
	path   *regexp.Regexp
	action RedactionAction
}

// Redactor applies redaction rules to span attributes and decoded payloads.
type Redactor struct {
	rules             []compiledRule
	maskValue         string
	sensitiveFallback bool
}

// NewRedactor compiles rules into a Redactor. An empty maskValue falls back
// to security.RedactedValue. Only the given rules apply; use
// NewDefaultRedactor for the built-in sensitive field list.
func NewRedactor(rules []RedactionRule, maskValue string) (*Redactor, error) {
	if maskValue == "" {
		maskValue = security.RedactedValue
	}

	compiled := make([]compiledRule, 0, len(rules))

	for _, rule := range rules {
		cr := compiledRule{action: rule.Action}

		if rule.FieldPattern != "" {
			re, err := regexp.Compile(rule.FieldPattern)
			if err != nil {
				return nil, fmt.Errorf("can't compile field pattern %q: %w", rule.FieldPattern, err)
			}

			cr.field = re
		}

		if rule.PathPattern != "" {
			re, err := regexp.Compile(rule.PathPattern)
			if err != nil {
				return nil, fmt.Errorf("can't compile path pattern %q: %w", rule.PathPattern, err)
			}

			cr.path = re
		}

		compiled = append(compiled, cr)
	}

	return &Redactor{rules: compiled, maskValue: maskValue}, nil
}

// NewDefaultRedactor returns a Redactor with no custom rules that masks any
// field security.IsSensitiveField recognizes.
func NewDefaultRedactor() *Redactor {
	return &Redactor{maskValue: security.RedactedValue, sensitiveFallback: true}
}

// actionFor returns the action for a field at the given dotted path. Rules
// are evaluated in order and the first match wins.
func (r *Redactor) actionFor(path, field string) (RedactionAction, bool) {
	if r == nil {
		return "", false
	}

	for _, rule := range r.rules {
		if rule.field == nil && rule.path == nil {
			continue
		}

		if rule.path != nil && !rule.path.MatchString(path) {
			continue
		}

		if rule.field != nil && !rule.field.MatchString(field) {
			continue
		}

		return rule.action, true
	}

	if r.sensitiveFallback && security.IsSensitiveField(field) {
		return RedactionMask, true
	}

	return "", false
}

func (r *Redactor) redactString(action RedactionAction, value string) string {
	if action == RedactionHash {
		return hashValue(value)
	}

	return r.maskValue
}

func (r *Redactor) redactAny(action RedactionAction, value any) any {
	if action == RedactionHash {
		if s, ok := value.(string); ok {
			return hashValue(s)
		}

		return hashValue(fmt.Sprintf("%v", value))
	}

	return r.maskValue
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// redactAttributesByKey applies the redactor to already-flattened span
// attributes, matching the last path segment as the field name.
func redactAttributesByKey(attrs []attribute.KeyValue, redactor *Redactor) []attribute.KeyValue {
	if redactor == nil || len(attrs) == 0 {
		return attrs
	}

	out := make([]attribute.KeyValue, 0, len(attrs))

	for _, kv := range attrs {
		key := string(kv.Key)

		field := key
		if idx := strings.LastIndex(key, "."); idx >= 0 {
			field = key[idx+1:]
		}

		action, matched := redactor.actionFor(key, field)
		if !matched {
			out = append(out, kv)
			continue
		}

		if action == RedactionDrop {
			continue
		}

		if kv.Value.Type() == attribute.STRING {
			out = append(out, attribute.String(key, redactor.redactString(action, kv.Value.AsString())))
			continue
		}

		out = append(out, attribute.String(key, redactor.redactString(action, kv.Value.Emit())))
	}

	return out
}

// ObfuscateStruct returns a redacted deep copy of value suitable for logging
// or event payloads. The value is decoded through JSON, so only exported
// fields are visited. A nil redactor returns the value unchanged.
func ObfuscateStruct(value any, redactor *Redactor) (any, error) {
	if redactor == nil {
		return value, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("can't marshal value for redaction: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("can't decode value for redaction: %w", err)
	}

	return redactor.redactValue("", decoded), nil
}

func (r *Redactor) redactValue(path string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}

			action, matched := r.actionFor(childPath, key)
			if matched {
				if action == RedactionDrop {
					continue
				}

				out[key] = r.redactAny(action, child)

				continue
			}

			out[key] = r.redactValue(childPath, child)
		}

		return out
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			childPath := strconv.Itoa(i)
			if path != "" {
				childPath = path + "." + strconv.Itoa(i)
			}

			out[i] = r.redactValue(childPath, item)
		}

		return out
	default:
		return value
	}
}
