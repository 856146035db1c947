// SPDX-License-Identifier: Apache-2.0

package pgcore

import (
	"github.com/relcore/pgcore/internal/jsonschema"
)

// JSONObjectSchema rejects any JSON document that isn't an object, so
// callers can validate event payloads and snapshot state up front with a
// descriptive error instead of letting malformed JSON reach a jsonb
// column.
var JSONObjectSchema = jsonschema.MustCompile("pgcore://json-object", []byte(`{
	"type": "object"
}`))

// ValidateJSONObject validates that document (if non-nil) parses as a JSON
// object.
func ValidateJSONObject(document []byte) error {
	if len(document) == 0 {
		return nil
	}
	return JSONObjectSchema.Validate(document)
}
