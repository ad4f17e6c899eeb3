package orchestrator

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"

	taskererrors "github.com/tasker-run/tasker/internal/errors"
)

// validateAgainstSchema checks payload against a JSON Schema document. An
// empty schema is treated as "anything goes" — most templates don't
// declare one, so only the ones that opt in pay the compile-and-validate
// cost. Any compile or validation failure is reported as
// ErrSchemaViolation, the sentinel the HTTP layer already maps to 400.
func validateAgainstSchema(label string, schema, payload datatypes.JSON) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(label, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("%w: compile %s schema: %v", taskererrors.ErrSchemaViolation, label, err)
	}
	sch, err := compiler.Compile(label)
	if err != nil {
		return fmt.Errorf("%w: compile %s schema: %v", taskererrors.ErrSchemaViolation, label, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", taskererrors.ErrSchemaViolation, label, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", taskererrors.ErrSchemaViolation, label, err)
	}
	return nil
}
