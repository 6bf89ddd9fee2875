package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"blockremote/internal/model"
)

var ErrMissingDevice = errors.New("device_id required")

func ParseSignalBytes(data []byte) (model.Signal, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.Signal{}, err
	}
	return ParseSignalMap(obj)
}

// ParseSignalMap accepts {device_id, payload, timestamp} and the aliases
// agents in the field send. A body without a payload object is treated as
// the payload itself.
func ParseSignalMap(obj map[string]any) (model.Signal, error) {
	lower := make(map[string]any, len(obj))
	for k, v := range obj {
		lower[strings.ToLower(k)] = v
	}
	sig := model.Signal{}
	sig.DeviceID = strings.TrimSpace(firstString(lower, "device_id", "deviceid", "device"))
	if sig.DeviceID == "" {
		return model.Signal{}, ErrMissingDevice
	}
	switch p := firstValue(lower, "payload", "data").(type) {
	case map[string]any:
		sig.Payload = model.Payload(p)
	case nil:
		sig.Payload = model.Payload{}
		for k, v := range obj {
			switch strings.ToLower(k) {
			case "device_id", "deviceid", "device", "timestamp", "time", "ts":
				continue
			}
			sig.Payload[k] = v
		}
	default:
		return model.Signal{}, fmt.Errorf("payload must be an object, got %T", p)
	}
	if ts := firstString(lower, "timestamp", "time", "ts"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return model.Signal{}, fmt.Errorf("timestamp: %w", err)
		}
		sig.ReceivedAt = parsed.UTC()
	}
	return sig, nil
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	switch v := firstValue(m, keys...).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
