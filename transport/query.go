package transport

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// Query renders params as a query string, "?a=1&ids=1%2C2" for
// {"a": 1, "ids": []int{1, 2}}. Slice values are joined with commas before
// being escaped, keys are sorted. An empty map renders as "".
func Query(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(queryValue(params[k])))
	}
	return "?" + b.String()
}

func queryValue(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Sprint(v)
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}

	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return strings.Join(parts, ",")
}

// componentEscapes undoes the QueryEscape encodings a URI component keeps literal.
var componentEscapes = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escape percent-encodes like a URI component: spaces become %20 and !'()* stay literal.
func escape(s string) string {
	return componentEscapes.Replace(url.QueryEscape(s))
}

// Keyed wraps items under key, {"product_ids": [1, 2]}, the body shape bulk
// DELETE endpoints usually expect.
func Keyed(key string, items any) map[string]any {
	return map[string]any{key: items}
}
