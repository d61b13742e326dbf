package utils

import (
	"fmt"
	"strconv"
	"time"
)

const KeyDelimiter = ':'

// GenerateKey joins parts with ':'. Primitives are stringified, structured values
// (maps, slices, structs) are serialized as JSON with sorted map keys, so equal
// part sequences always produce equal keys.
func GenerateKey(parts ...interface{}) string {
	buf := make([]byte, 0, 16*len(parts))

	for i, part := range parts {
		if i > 0 {
			buf = append(buf, KeyDelimiter)
		}
		buf = appendKeyPart(buf, part)
	}

	return string(buf)
}

func appendKeyPart(buf []byte, part interface{}) []byte {
	switch v := part.(type) {
	case nil:
		return append(buf, "null"...)
	case string:
		return append(buf, v...)
	case []byte:
		return append(buf, v...)
	case bool:
		return strconv.AppendBool(buf, v)
	case int:
		return strconv.AppendInt(buf, int64(v), 10)
	case int8:
		return strconv.AppendInt(buf, int64(v), 10)
	case int16:
		return strconv.AppendInt(buf, int64(v), 10)
	case int32:
		return strconv.AppendInt(buf, int64(v), 10)
	case int64:
		return strconv.AppendInt(buf, v, 10)
	case uint:
		return strconv.AppendUint(buf, uint64(v), 10)
	case uint8:
		return strconv.AppendUint(buf, uint64(v), 10)
	case uint16:
		return strconv.AppendUint(buf, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(buf, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(buf, v, 10)
	case float32:
		return strconv.AppendFloat(buf, float64(v), 'g', -1, 32)
	case float64:
		return strconv.AppendFloat(buf, v, 'g', -1, 64)
	case time.Duration:
		return append(buf, v.String()...)
	case time.Time:
		return v.UTC().AppendFormat(buf, time.RFC3339Nano)
	case fmt.Stringer:
		return append(buf, v.String()...)
	case error:
		return append(buf, v.Error()...)
	}

	data, err := MarshalSorted(part)
	if err != nil {
		return append(buf, fmt.Sprintf("%v", part)...)
	}

	return append(buf, data...)
}
