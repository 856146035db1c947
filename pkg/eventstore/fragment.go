// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"fmt"
	"strings"

	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/relcore/pgcore/pkg/pgcore"
)

// validateFragment parses a caller-supplied reducer or sync-handler SQL
// expression and rejects it if it contains a parameter placeholder.
// Fragments are spliced verbatim into generated trigger and function
// bodies, so they must never carry bound parameters.
func validateFragment(expr string) error {
	tree, err := pgq.ParseToJSON(fmt.Sprintf("SELECT %s", expr))
	if err != nil {
		return fmt.Errorf("parsing sql fragment %q: %w", expr, err)
	}

	if strings.Contains(tree, `"ParamRef"`) {
		return pgcore.ParameterizedFragmentRejectedError{Fragment: expr}
	}

	return nil
}
