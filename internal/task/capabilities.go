package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value and Scan let Capabilities round-trip through a JSONB column, so the
// Queue Store can express the subset check as a jsonb containment query
// (`task.capabilities <@ $1::jsonb`) without a Postgres array driver.

func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		c = Capabilities{}
	}
	return json.Marshal(c)
}

func (c *Capabilities) Scan(src interface{}) error {
	if src == nil {
		*c = Capabilities{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("task: cannot scan %T into Capabilities", src)
	}
	return json.Unmarshal(raw, c)
}
