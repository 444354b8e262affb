package ipintel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxProviderBody = 64 << 10

// getJSON issues a GET and decodes a JSON object.
func getJSON(ctx context.Context, client *http.Client, endpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProviderBody))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProviderBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return payload, nil
}

func extractNestedString(m map[string]any, path ...string) string {
	current := any(m)
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[key]
		if !ok {
			return ""
		}
	}
	return asString(current)
}

func extractNestedBool(m map[string]any, path ...string) bool {
	current := any(m)
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return false
		}
		current, ok = node[key]
		if !ok {
			return false
		}
	}
	b, _ := asBool(current)
	return b
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, false
		}
		return b, true
	case float64:
		return x != 0, true
	default:
		return false, false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func hasAny(target string, keys ...string) bool {
	for _, k := range keys {
		if strings.Contains(target, k) {
			return true
		}
	}
	return false
}

// splitASOrg splits "AS15169 Google LLC" into its ASN and organization.
func splitASOrg(s string) (asn, org string) {
	s = strings.TrimSpace(s)
	head, rest, _ := strings.Cut(s, " ")
	if len(head) > 2 && strings.EqualFold(head[:2], "AS") {
		if _, err := strconv.Atoi(head[2:]); err == nil {
			return strings.ToUpper(head), strings.TrimSpace(rest)
		}
	}
	return "", s
}
