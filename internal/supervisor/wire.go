package supervisor

import (
	"encoding/json"

	"github.com/lifert/life/pkg/lifeerr"
)

// toWire converts a typed struct into the generic map shape the control
// channel carries.
func toWire(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, lifeerr.Wrap(lifeerr.Validation, err)
	}
	return out, nil
}

// fromWire converts a decoded wire value into a typed struct.
func fromWire(input any, out any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	return nil
}
