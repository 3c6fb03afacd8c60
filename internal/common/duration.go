package common

import (
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Duration wraps time.Duration so config files can express it as a plain
// string ("30s", "1h30m") in YAML/JSON/TOML instead of raw nanoseconds.
type Duration struct {
	time.Duration
}

// NewDuration wraps a time.Duration as a Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// JSONSchema customizes the schema invopop/jsonschema emits for Duration
// fields, so `indexer config schema` documents them as duration strings
// instead of the zero-value struct shape.
func (d Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Title:       "Duration",
		Description: "Duration expressed in units, e.g. 1h30m, 300ms, 5m",
		Examples:    []interface{}{"1m", "300ms", "30s", "1h30m"},
	}
}
