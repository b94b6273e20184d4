package finding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/zero-day-ai/injector/types"
)

// Value is one finding value extracted for a contract output element.
type Value struct {
	Element types.ContractOutputElement
	Value   string
}

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Parse extracts finding values from structured output, a JSON object keyed
// by output element key. Elements not flagged as findings, and keys absent
// from the output, are skipped. Values are deduplicated per element.
func Parse(elements []types.ContractOutputElement, structured []byte) ([]Value, error) {
	if len(bytes.TrimSpace(structured)) == 0 {
		return nil, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(structured, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse structured output: %w", err)
	}

	var out []Value
	for _, el := range elements {
		if !el.IsFinding {
			continue
		}
		raw, ok := doc[el.Key]
		if !ok {
			continue
		}

		values, err := extract(el.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", el.Key, err)
		}

		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, Value{Element: el, Value: v})
		}
	}
	return out, nil
}

func extract(t types.OutputType, raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := extractOne(t, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func extractOne(t types.OutputType, item any) (string, error) {
	switch t {
	case types.OutputText:
		return scalar(item)

	case types.OutputNumber:
		s, err := scalar(item)
		if err != nil {
			return "", err
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", fmt.Errorf("not a number: %q", s)
		}
		return s, nil

	case types.OutputPort:
		s, err := scalar(item)
		if err != nil {
			return "", err
		}
		return port(s)

	case types.OutputPortsScan:
		obj, ok := item.(map[string]any)
		if !ok {
			return "", fmt.Errorf("expected port scan object, got %T", item)
		}
		host, _ := obj["host"].(string)
		p, err := scalar(obj["port"])
		if err != nil {
			return "", err
		}
		p, err = port(p)
		if err != nil {
			return "", err
		}
		s := host + ":" + p
		if service, _ := obj["service"].(string); service != "" {
			s += " (" + service + ")"
		}
		return s, nil

	case types.OutputIPv4, types.OutputIPv6:
		s, err := scalar(item)
		if err != nil {
			return "", err
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return "", err
		}
		if t == types.OutputIPv4 && !addr.Is4() {
			return "", fmt.Errorf("not an IPv4 address: %q", s)
		}
		if t == types.OutputIPv6 && (!addr.Is6() || addr.Is4In6()) {
			return "", fmt.Errorf("not an IPv6 address: %q", s)
		}
		return addr.String(), nil

	case types.OutputCredentials:
		obj, ok := item.(map[string]any)
		if !ok {
			return "", fmt.Errorf("expected credentials object, got %T", item)
		}
		user, _ := obj["username"].(string)
		pass, _ := obj["password"].(string)
		if user == "" {
			return "", fmt.Errorf("credentials without username")
		}
		return user + ":" + pass, nil

	case types.OutputCVE:
		id := ""
		switch c := item.(type) {
		case string:
			id = c
		case map[string]any:
			id, _ = c["id"].(string)
		}
		id = strings.ToUpper(strings.TrimSpace(id))
		if !cvePattern.MatchString(id) {
			return "", fmt.Errorf("not a CVE identifier: %q", id)
		}
		return id, nil

	default:
		return "", fmt.Errorf("unsupported output type %q", t)
	}
}

func scalar(item any) (string, error) {
	switch v := item.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expected a scalar value, got %T", item)
	}
}

func port(s string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", s)
	}
	return strconv.Itoa(n), nil
}
