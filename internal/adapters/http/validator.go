package http

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func ValidateStruct(payload any) map[string]string {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, fieldErr := range validationErrors {
			fieldName := strings.ToLower(fieldErr.Field())
			switch fieldErr.Tag() {
			case "required":
				errors[fieldName] = fmt.Sprintf("The %s field is required.", fieldErr.Field())
			case "min":
				errors[fieldName] = fmt.Sprintf("The %s field must have at least %s items.", fieldErr.Field(), fieldErr.Param())
			case "oneof":
				errors[fieldName] = fmt.Sprintf("The %s field must be one of: %s.", fieldErr.Field(), fieldErr.Param())
			default:
				errors[fieldName] = fmt.Sprintf("The %s field is invalid.", fieldErr.Field())
			}
		}
	}

	return errors
}
