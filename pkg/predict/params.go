package predict

import (
	"encoding/json"
	"fmt"
	"strings"

	smerrors "kubegems.io/smdeploy/pkg/errors"
)

// ParseParameters turns key=value pairs into generation parameters.
// Values are decoded as json when possible, e.g. max_length=50 is a number
// and do_sample=true a bool, anything else stays a string.
func ParseParameters(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, smerrors.NewParameterInvalidError(fmt.Sprintf("invalid parameter %q, expected key=value", kv))
		}
		var value any
		if err := json.Unmarshal([]byte(v), &value); err != nil {
			value = v
		}
		params[k] = value
	}
	return params, nil
}
