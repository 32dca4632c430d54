// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serializer converts a payload to and from its on-disk bytes.
//
// Unmarshal must fail on malformed input rather than yield an empty value.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// Extension is appended to backup file names, including the dot.
	Extension() string
}

// JSONSerializer writes two-space indented JSON.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ParseError{Format: "json", Err: errors.New("empty document")}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ParseError{Format: "json", Err: err}
	}
	return nil
}

func (JSONSerializer) Extension() string { return ".json" }

// YAMLSerializer writes YAML documents.
type YAMLSerializer struct{}

func (YAMLSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (YAMLSerializer) Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ParseError{Format: "yaml", Err: errors.New("empty document")}
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return &ParseError{Format: "yaml", Err: err}
	}
	return nil
}

func (YAMLSerializer) Extension() string { return ".yaml" }

// TaggedSerializer prefixes the inner encoding with a tag line so files from
// a different producer or format version are refused on read.
type TaggedSerializer struct {
	Tag   string
	Inner Serializer
}

func (s TaggedSerializer) inner() Serializer {
	if s.Inner == nil {
		return JSONSerializer{}
	}
	return s.Inner
}

func (s TaggedSerializer) Marshal(v any) ([]byte, error) {
	body, err := s.inner().Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(s.Tag)+1+len(body))
	out = append(out, s.Tag...)
	out = append(out, '\n')
	return append(out, body...), nil
}

func (s TaggedSerializer) Unmarshal(data []byte, v any) error {
	line, rest, ok := bytes.Cut(data, []byte{'\n'})
	if !ok || string(line) != s.Tag {
		return &ParseError{Format: "tagged", Err: fmt.Errorf("missing tag %q", s.Tag)}
	}
	return s.inner().Unmarshal(rest, v)
}

func (s TaggedSerializer) Extension() string { return s.inner().Extension() }
