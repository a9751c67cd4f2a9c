package fault

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

func safeString(fn func() string) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return fn()
}

func safeError(fn func() error) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	return fn()
}

func safeErrors(fn func() []error) (errs []error) {
	defer func() {
		if recover() != nil {
			errs = nil
		}
	}()
	return fn()
}

func safeFields(fn func() map[string]any) (m map[string]any) {
	defer func() {
		if recover() != nil {
			m = nil
		}
	}()
	return fn()
}

// toValue reduces v to something that holds no live references and encodes
// as JSON: scalars are kept, non-finite floats and everything else are
// rendered to a string.
func toValue(v any) (out any) {
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("<%T>", v)
		}
	}()

	switch x := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x
	case float32:
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 32)
		}
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return x.String()
	case []byte:
		return string(x)
	case []string:
		return append([]string(nil), x...)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%+v", x)
	}
}
