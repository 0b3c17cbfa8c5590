package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// orderIDPattern matches gateway order ids: partner code letters followed by digits and an optional suffix.
var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	validate.RegisterValidation("order_id", func(fl validator.FieldLevel) bool {
		return orderIDPattern.MatchString(fl.Field().String())
	})

	validate.RegisterValidation("nonzero", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() != 0
	})

	validate.RegisterValidation("tx_kind", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", "purchase", "distribution", "transfer_out", "transfer_in", "admin_adjustment":
			return true
		}
		return false
	})

	validate.RegisterValidation("tx_status", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", "pending", "completed", "failed", "reversed":
			return true
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors, or nil.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string, len(verrs))
	for _, err := range verrs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min", "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "max", "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "nonzero":
			errors[field] = "Value must not be zero"
		case "order_id":
			errors[field] = "Invalid order id"
		case "tx_kind":
			errors[field] = "Invalid kind. Must be: purchase, distribution, transfer_out, transfer_in, or admin_adjustment"
		case "tx_status":
			errors[field] = "Invalid status. Must be: pending, completed, failed, or reversed"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
