package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
			if name == "" || name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks cfg and returns the first problem as a *ConfigError.
func Validate(cfg *Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := configPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_if":
		return NewMissingFieldError(field)
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("%q must be one of: %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", ")))
	case "url":
		return NewInvalidFieldError(field, "must be a valid URL")
	case "gt", "gte":
		return NewInvalidFieldError(field, fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param()))
	default:
		return NewInvalidFieldError(field, fe.Error())
	}
}

// configPath turns "Config.broker.url" into "broker.url".
func configPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return namespace
}
