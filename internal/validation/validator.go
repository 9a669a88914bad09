package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// metadata keys the engine reads as idempotency keys; when present they must be usable strings.
var businessKeys = []string{"idempotencyKey", "cartId", "checkoutId"}

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// the order idempotency key is derived from these metadata entries, so a
	// number or an empty string there would produce an unstable key.
	v.RegisterStructValidation(createIntentStructValidation, CreateIntentRequest{})

	return v
}

func createIntentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateIntentRequest)

	for _, k := range businessKeys {
		raw, ok := req.Metadata[k]
		if !ok {
			continue
		}
		if s, isString := raw.(string); !isString || s == "" {
			sl.ReportError(req.Metadata, "metadata."+k, "Metadata", "business_key_string", k)
		}
	}
}
