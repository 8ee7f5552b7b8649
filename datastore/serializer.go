/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package datastore

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serializer converts stored documents to and from bytes.
type Serializer interface {
	Name() string
	Extension() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON encodes documents as indented JSON.
	JSON Serializer = jsonSerializer{}
	// YAML encodes documents as YAML.
	YAML Serializer = yamlSerializer{}
)

// SerializerByName returns the serializer called name ("json" or "yaml").
func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return nil, fmt.Errorf("unknown serializer %q", name)
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string      { return "json" }
func (jsonSerializer) Extension() string { return ".json" }

func (jsonSerializer) Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (jsonSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type yamlSerializer struct{}

func (yamlSerializer) Name() string      { return "yaml" }
func (yamlSerializer) Extension() string { return ".yaml" }

func (yamlSerializer) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlSerializer) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}
