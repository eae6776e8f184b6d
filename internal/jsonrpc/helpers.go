package jsonrpc

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/imtaco/conf-sfu/internal/validation"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := validation.Setup(v); err != nil {
		panic(err)
	}
	return v
}

// ShouldBindParams is a helper to unmarshal and validate params.
// Validation failures name the offending fields.
func ShouldBindParams(params *json.RawMessage, v any) error {
	if params == nil {
		return ErrInvalidParams("params required")
	}
	if err := json.Unmarshal(*params, v); err != nil {
		return ErrInvalidParams("invalid params")
	}
	if err := validate.Struct(v); err != nil {
		msg := "invalid params"
		if fields := validation.FormatValidationError(err); len(fields) > 0 {
			msg = "invalid params: " + fields[0].Field
		}
		return ErrInvalidParams(msg)
	}
	return nil
}
