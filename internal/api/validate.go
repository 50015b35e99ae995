package api

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FieldError is one failed rule in a request body.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// fieldErrors flattens validator output for the response body. Other errors
// yield nil.
func fieldErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]FieldError, len(ve))
	for i, fe := range ve {
		out[i] = FieldError{Field: fe.Field(), Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", fe.Field())
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param())
		case "nefield":
			out[i].Message = fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param())
		default:
			out[i].Message = fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		}
	}
	return out
}
