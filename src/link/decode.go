package link

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DecodeFloat32 decodes a single float sample. Accepted shapes are a plain number ("12.6"),
// a JSON object with a data field ({"data": 12.6}) and a raw 4 byte little endian float32.
func DecodeFloat32(payload []byte) (float32, error) {
	text := strings.TrimSpace(string(payload))

	// Home Assistant reports dropped sensors with these
	if text == "unavailable" || text == "Undefined" || text == "unknown" {
		return 0, errors.Errorf("sensor unavailable (%s)", text)
	}

	if v, err := strconv.ParseFloat(text, 32); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.Errorf("sample %q is not a finite number", text)
		}
		return float32(v), nil
	}

	var jsonErr error
	if strings.HasPrefix(text, "{") {
		v, err := decodeJSONSample(text)
		if err == nil {
			return v, nil
		}
		jsonErr = err
	}

	// A binary sample can start with '{', so it is tried after JSON fails
	if len(payload) == 4 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(payload))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, errors.New("binary sample is not a finite number")
		}
		return v, nil
	}

	if jsonErr != nil {
		return 0, jsonErr
	}
	return 0, errors.Errorf("cannot decode sample %q", payload)
}

func decodeJSONSample(text string) (float32, error) {
	var msg struct {
		Data *float64 `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return 0, errors.Wrap(err, "decoding json sample")
	}
	if msg.Data == nil {
		return 0, errors.New("json sample has no data field")
	}
	return float32(*msg.Data), nil
}

// DecodeInt decodes an integer parameter from text or JSON ({"value": 4})
func DecodeInt(payload []byte) (int, error) {
	text := strings.TrimSpace(string(payload))
	if v, err := strconv.Atoi(text); err == nil {
		return v, nil
	}
	// Integers published as floats ("4.0")
	if f, err := strconv.ParseFloat(text, 64); err == nil && f == math.Trunc(f) {
		return int(f), nil
	}
	if strings.HasPrefix(text, "{") {
		var msg struct {
			Value *int `json:"value"`
		}
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return 0, errors.Wrap(err, "decoding json parameter")
		}
		if msg.Value == nil {
			return 0, errors.New("json parameter has no value field")
		}
		return *msg.Value, nil
	}
	return 0, errors.Errorf("cannot decode parameter %q", payload)
}
