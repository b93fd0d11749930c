package output

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/opreg/opreg/internal/cli/client"
)

type RunResult struct {
	Raw *client.RunResult
}

func NewRunResult(raw *client.RunResult) *RunResult {
	return &RunResult{Raw: raw}
}

// Text renders the value the way a shell user would type it: whole numbers
// without a fraction, strings unquoted, anything else as JSON.
func (r *RunResult) Text() string {
	switch v := r.Raw.Result.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	data, err := json.Marshal(r.Raw.Result)
	if err != nil {
		return fmt.Sprint(r.Raw.Result)
	}
	return string(data)
}

func (r *RunResult) JSON() (string, error) {
	data, err := json.MarshalIndent(r.Raw, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
