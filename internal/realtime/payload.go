package realtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

func parseCoord(raw json.RawMessage) (models.Coord, error) {
	var c models.Coord
	if len(raw) == 0 {
		return c, errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return c, errors.New("coordinates out of range")
	}
	return c, nil
}

// parseString accepts a bare JSON string payload, e.g. a ride or driver id.
func parseString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", errors.New("empty id")
	}
	return s, nil
}

// errMessage strips the sentinel prefix so clients see a clean message.
func errMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
