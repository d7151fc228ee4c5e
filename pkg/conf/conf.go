// Package conf provides the generic configuration map that every pluggable
// component (frontend, storage backend, middleware, approval container)
// decodes its own typed Config struct from.
package conf

import "github.com/mitchellh/mapstructure"

// MapConfig is a dynamically typed configuration section, usually decoded
// directly from one YAML mapping node. Field names are matched against the
// `cfg` struct tag (falling back to a case-insensitive field name match).
type MapConfig map[string]any

// Unmarshal decodes c into out, which must be a pointer to a struct.
func (c MapConfig) Unmarshal(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "cfg",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(c))
}

// Named is a (name, options) pair used to describe one instance of a
// pluggable component in the top-level configuration file, e.g. one
// frontend, one storage backend, or one middleware hook.
type Named struct {
	Name    string    `yaml:"name"`
	Options MapConfig `yaml:"options"`
}
