package handler

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goevery/relay/internal/ierr"
)

var resourceIdRegex = regexp.MustCompile(`^([\w-]+:?)*\w$`)

// Validator checks decoded control messages and REST bodies. Conversation,
// verification and message ids must satisfy the resource_id rule.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	_ = validate.RegisterValidation("resource_id", func(fl validator.FieldLevel) bool {
		return resourceIdRegex.MatchString(fl.Field().String())
	})

	return &Validator{
		validate,
	}
}

func (v *Validator) Validate(req any) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}

	return ierr.New(ierr.ErrorCodeInvalidArgument, fmt.Errorf("%w: %s", ierr.ErrMalformedMessage, strings.Join(messages, "; ")))
}
