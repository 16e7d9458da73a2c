package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
)

const (
	// DefaultPH is substituted when a frame omits its pH reading.
	DefaultPH = 7.0

	maxMachineIDLen = 64
)

// MachineID scopes all per-machine state.
type MachineID string

// ParseMachineID validates a machine identifier taken from a route.
func ParseMachineID(s string) (MachineID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxMachineIDLen {
		return "", errors.New().WithData(ErrInvalidMachineID, s)
	}
	return MachineID(s), nil
}

// Frame is one snapshot of a machine's sensor readings. It is a value type
// and is never mutated after Decode returns it.
type Frame struct {
	Timestamp    time.Time `json:"timestamp"`
	CurrentMA    float64   `json:"current_mA"`
	PH           float64   `json:"ph"`
	Turbidity    float64   `json:"turbidity"`
	PressurePa   float64   `json:"pressure_Pa"`
	FlowRate     float64   `json:"flow_rate"`
	Temperature  float64   `json:"temperature"`
	Humidity     float64   `json:"humidity"`
	Conductivity float64   `json:"conductivity"`
	TotalVolume  float64   `json:"total_volume"`
	BloodLeak    bool      `json:"blood_leak"`
}

type numericField struct {
	key string
	def float64
	set func(*Frame, float64)
}

var numericFields = []numericField{
	{"current_mA", 0, func(f *Frame, v float64) { f.CurrentMA = v }},
	{"ph", DefaultPH, func(f *Frame, v float64) { f.PH = v }},
	{"turbidity", 0, func(f *Frame, v float64) { f.Turbidity = v }},
	{"pressure_Pa", 0, func(f *Frame, v float64) { f.PressurePa = v }},
	{"flow_rate", 0, func(f *Frame, v float64) { f.FlowRate = v }},
	{"temperature", 0, func(f *Frame, v float64) { f.Temperature = v }},
	{"humidity", 0, func(f *Frame, v float64) { f.Humidity = v }},
	{"conductivity", 0, func(f *Frame, v float64) { f.Conductivity = v }},
	{"total_volume", 0, func(f *Frame, v float64) { f.TotalVolume = v }},
}

// Decode parses a flat JSON object into a Frame. Only a payload that is not
// a JSON object fails; a missing, mistyped or out-of-range field takes its
// default. The frame's timestamp comes from the payload when it carries a
// plausible one, otherwise from received.
func Decode(data []byte, received time.Time) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, errors.Wrap(ErrDecode, err)
	}
	if raw == nil {
		return Frame{}, errors.New().WithData(ErrDecode, "payload is null")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Frame{}, errors.New().WithData(ErrDecode, "trailing data after object")
	}

	f := Frame{Timestamp: received}
	for _, field := range numericFields {
		field.set(&f, number(raw[field.key], field.def))
	}
	f.BloodLeak = boolean(raw["blood_leak"])

	if ts, ok := timestamp(raw["timestamp"]); ok && plausible(ts, received) {
		f.Timestamp = ts
	}

	return f, nil
}

// finite parses s and reports false for NaN, infinities and values outside
// the float64 range.
func finite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func number(v any, def float64) float64 {
	switch n := v.(type) {
	case json.Number:
		if parsed, ok := finite(n.String()); ok {
			return parsed
		}
		return def
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		if parsed, ok := finite(n); ok {
			return parsed
		}
		return def
	default:
		return def
	}
}

func boolean(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case json.Number:
		parsed, ok := finite(b.String())
		return ok && parsed != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		return false
	}
}

// maxClockSkew is how far ahead of its receive time a frame may be stamped.
const maxClockSkew = time.Hour

// plausible rejects stamps before the epoch or too far in the future, which
// would otherwise pin a frame to the top of the history.
func plausible(ts, received time.Time) bool {
	return ts.After(time.Unix(0, 0)) && !ts.After(received.Add(maxClockSkew))
}

// timestamp accepts RFC 3339 strings and unix seconds.
func timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case json.Number:
		sec, ok := finite(t.String())
		// Bounded so the conversion to milliseconds cannot overflow.
		if !ok || sec <= 0 || sec > maxUnixSeconds {
			return time.Time{}, false
		}
		whole, frac := math.Modf(sec)
		return time.Unix(int64(whole), int64(frac*1e9)), true
	default:
		return time.Time{}, false
	}
}

// maxUnixSeconds is the start of year 10000.
const maxUnixSeconds = 253402300800
