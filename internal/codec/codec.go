// Package codec provides the format adapter: conversion of payloads between
// JSON, YAML and TOML documents.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/sekia-ai/relay/pkg/coordination"
)

// Format names.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Formats lists every format this package can encode and decode.
var Formats = []string{FormatJSON, FormatYAML, FormatTOML}

// Codec decodes and encodes documents of one format.
type Codec interface {
	Format() string
	Decode(data []byte) (any, error)
	Encode(v any) ([]byte, error)
}

// ForFormat returns the codec for name.
func ForFormat(name string) (Codec, error) {
	switch name {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatYAML:
		return yamlCodec{}, nil
	case FormatTOML:
		return tomlCodec{}, nil
	}
	return nil, fmt.Errorf("%w: format %s", coordination.ErrUnsupportedService, name)
}

type jsonCodec struct{}

func (jsonCodec) Format() string { return FormatJSON }

func (jsonCodec) Decode(data []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return normalizeNumbers(v), nil
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

type yamlCodec struct{}

func (yamlCodec) Format() string { return FormatYAML }

func (yamlCodec) Decode(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return v, nil
}

func (yamlCodec) Encode(v any) ([]byte, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return out, nil
}

type tomlCodec struct{}

func (tomlCodec) Format() string { return FormatTOML }

func (tomlCodec) Decode(data []byte) (any, error) {
	var v map[string]any
	if err := toml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	return v, nil
}

// Encode requires a table at the top level; TOML has no bare values.
func (tomlCodec) Encode(v any) ([]byte, error) {
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: toml documents need a table at the top level, got %T",
			coordination.ErrIncompatibleFormats, v)
	}
	out, err := toml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode toml: %w", err)
	}
	return out, nil
}

// normalizeNumbers turns json.Number values into int64 where they are
// integral and float64 otherwise, so TOML and YAML keep integer types.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	}
	return v
}
