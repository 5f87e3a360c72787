package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// Key generates the 128-bit hex fingerprint for a request: the canonical
// signal set joined with the canonical parameter record. MD5 is a cache
// key here, not a security boundary.
func Key(signals []types.Signal, params map[string]any) string {
	payload := canonicalSignals(signals) + "_" + canonicalParams(params)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// canonicalSignals sorts by (day, ticker) and emits stable JSON.
func canonicalSignals(signals []types.Signal) string {
	sorted := make([]types.Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Day != sorted[j].Day {
			return sorted[i].Day < sorted[j].Day
		}
		return sorted[i].Ticker < sorted[j].Ticker
	})

	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = fmt.Sprintf(`{"day":%d,"ticker":%s}`, s.Day, encodeJSONString(s.Ticker))
	}
	return "[" + joinComma(parts) + "]"
}

// canonicalParams emits JSON with sorted keys, RFC3339 datetimes, and
// fixed-notation floats so the fingerprint is stable across encoders.
func canonicalParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, encodeJSONString(k)+":"+canonicalValue(params[k]))
	}
	return "{" + joinComma(parts) + "}"
}

func canonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return encodeJSONString(val)
	case time.Time:
		return `"` + val.UTC().Format(time.RFC3339) + `"`
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case types.DayOrdinal:
		return strconv.FormatInt(int64(val), 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case *float64:
		if val == nil {
			return "null"
		}
		return strconv.FormatFloat(*val, 'f', -1, 64)
	case map[string]any:
		return canonicalParams(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalValue(item)
		}
		return "[" + joinComma(parts) + "]"
	default:
		// Fall back to the standard encoder for anything exotic.
		raw, err := json.Marshal(val)
		if err != nil {
			return encodeJSONString(fmt.Sprintf("%v", val))
		}
		return string(raw)
	}
}

func encodeJSONString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
