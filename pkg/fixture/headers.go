package fixture

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// StatusKey is the synthetic header artifact field holding the decimal status code.
const StatusKey = "status"

// encodeHeaderArtifact flattens header into the artifact map and injects the status code.
func encodeHeaderArtifact(header http.Header, status int) ([]byte, error) {
	flat := make(map[string]string, len(header)+1)
	for key, values := range header {
		if strings.EqualFold(key, StatusKey) {
			continue
		}
		flat[key] = strings.Join(values, ", ")
	}
	flat[StatusKey] = strconv.Itoa(status)
	return json.MarshalIndent(flat, "", "  ")
}

// decodeHeaderArtifact parses a header artifact into header fields and a status code.
// A missing or unparsable status yields http.StatusOK; names or values that are not valid HTTP
// are dropped.
func decodeHeaderArtifact(data []byte) (map[string]string, int, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}

	status := http.StatusOK
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		text := scalarString(value)
		if strings.EqualFold(key, StatusKey) {
			if code, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && code >= 100 && code <= 999 {
				status = code
			}
			continue
		}
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(text) {
			continue
		}
		fields[key] = text
	}
	return fields, status, nil
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
