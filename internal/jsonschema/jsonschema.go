// SPDX-License-Identifier: Apache-2.0

// Package jsonschema validates JSON documents against a compiled JSON
// schema. pgcore uses it to check that jsonb-bound values are JSON objects
// before they are sent to the database.
package jsonschema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator wraps a compiled JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles the given JSON schema document (as raw JSON bytes) into a
// reusable Validator.
func Compile(name string, schemaDoc []byte) (*Validator, error) {
	c := jsonschema.NewCompiler()

	var doc any
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema %q: %w", name, err)
	}

	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource %q: %w", name, err)
	}

	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %q: %w", name, err)
	}

	return &Validator{schema: sch}, nil
}

// MustCompile is like Compile but panics on error. Intended for use with
// schema documents embedded at package init time.
func MustCompile(name string, schemaDoc []byte) *Validator {
	v, err := Compile(name, schemaDoc)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks the given document (raw JSON bytes) against the compiled
// schema, returning a descriptive error listing every violation found.
func (v *Validator) Validate(document []byte) error {
	var instance any
	if err := json.Unmarshal(document, &instance); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}

	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("document failed schema validation: %w", err)
	}

	return nil
}
