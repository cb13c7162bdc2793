package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	catalogValidate     *validator.Validate
	catalogValidateOnce sync.Once
)

// schema returns the shared validator with the catalog's custom tags.
func schema() *validator.Validate {
	catalogValidateOnce.Do(func() {
		v := validator.New()

		// Report fields by their JSON names so errors match the document.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if ts, ok := field.Interface().(Timestamp); ok {
				return ts.Time
			}
			return nil
		}, Timestamp{})

		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = v.RegisterValidation("httpurl", func(fl validator.FieldLevel) bool {
			u, err := url.Parse(fl.Field().String())
			if err != nil {
				return false
			}
			return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
		})
		_ = v.RegisterValidation("checksum", func(fl validator.FieldLevel) bool {
			_, err := parseChecksum(fl.Field().String())
			return err == nil
		})

		catalogValidate = v
	})
	return catalogValidate
}

// ParseCatalog decodes and validates a catalog document. The document is
// either fully valid or rejected; duplicates are never silently dropped.
func ParseCatalog(data []byte) (*CatalogDocument, error) {
	var doc CatalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: jsonErrorField(err), Reason: err.Error()}
	}
	if err := ValidateCatalog(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ValidateCatalog enforces every ModelMetadata constraint and id uniqueness.
// The returned error is a *ValidationError.
func ValidateCatalog(doc *CatalogDocument) error {
	if doc == nil {
		return &ValidationError{Field: "document", Reason: "is empty"}
	}

	if err := schema().Struct(doc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return toValidationError(fieldErrs[0])
		}
		return &ValidationError{Field: "document", Reason: err.Error()}
	}

	seen := make(map[string]int, len(doc.Models))
	for i, m := range doc.Models {
		if first, ok := seen[m.ID]; ok {
			return &ValidationError{
				Field:  fmt.Sprintf("models[%d].id", i),
				Reason: fmt.Sprintf("duplicate id %q (first at models[%d])", m.ID, first),
			}
		}
		seen[m.ID] = i
	}
	return nil
}

// toValidationError converts a validator field error into the package's
// error type, trimming the root struct name from the namespace.
func toValidationError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx != -1 {
		field = field[idx+1:]
	}

	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "notblank":
		reason = "must not be blank"
	case "min":
		reason = "must contain at least " + fe.Param() + " entries"
	case "gt":
		reason = "must be greater than " + fe.Param()
	case "gte":
		reason = "must be at least " + fe.Param()
	case "lte":
		reason = "must be at most " + fe.Param()
	case "httpurl":
		reason = "must be an absolute http(s) URL"
	case "checksum":
		reason = "must be a hex digest, optionally prefixed with md5:, sha1:, sha256: or sha512:"
	default:
		reason = "failed " + fe.Tag() + " constraint"
	}
	return &ValidationError{Field: field, Reason: reason}
}

// jsonErrorField extracts a field path from a decode error when the
// decoder provides one.
func jsonErrorField(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field
	}
	return "document"
}
