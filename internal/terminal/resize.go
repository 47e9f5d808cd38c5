package terminal

import "encoding/json"

// parseResize decodes a {"rows":.., "cols":..} resize control payload.
func parseResize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
