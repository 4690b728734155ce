package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Normalize renders params canonically: object keys sorted, numbers in one
// textual form (1, 1.0 and 1e0 all become "1"). Any JSON-marshalable value works;
// struct field order does not matter because values go through a generic decode.
func Normalize(params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	var sb strings.Builder
	writeCanonical(&sb, generic)
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(x))
	case json.Number:
		sb.WriteString(normalizeNumber(x))
	case string:
		sb.WriteString(strconv.Quote(x))
	case []any:
		sb.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, x[k])
		}
		sb.WriteByte('}')
	default:
		// json 解码只会产生上面几种类型
		fmt.Fprintf(sb, "%v", x)
	}
}

func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Fingerprint hashes (service, operation, normalized params).
func Fingerprint(service, operation string, params any) (string, error) {
	norm, err := Normalize(params)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	_, _ = h.WriteString(service)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(operation)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(norm)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Key builds {namespace}:{service}:{fingerprint}.
func Key(namespace, service, operation string, params any) (string, error) {
	fp, err := Fingerprint(service, operation, params)
	if err != nil {
		return "", err
	}
	return cacheKey(namespace, service, fp), nil
}
