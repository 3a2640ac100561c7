package types

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/pkg/errors"
)

var personIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
)

func initValidator() {
	validate = validator.New()
	english := en.New()
	translator, _ = ut.New(english, english).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// FieldError describes one invalid field of an inbound payload
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError groups field errors of one payload
type ValidationError struct {
	Fields []FieldError
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Error)
	}
	return strings.Join(parts, "; ")
}

// Validate runs the struct tags of a payload
func Validate(v interface{}) error {
	validateOnce.Do(initValidator)

	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Error: fe.Translate(translator)})
	}
	return out
}

// DecodePayload unmarshals and validates an inbound payload in one step
func DecodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return Validate(v)
}

// IsValidPersonID checks if a person ID (user id or matricule) meets format requirements
func IsValidPersonID(personID string) bool {
	if len(personID) < 1 || len(personID) > 50 {
		return false
	}
	return personIDRegex.MatchString(personID)
}

// IsValidRole checks the role presented by the auth layer
func IsValidRole(role string) bool {
	return Role(role) == RoleStudent || Role(role) == RoleProfessor
}

// Validate checks the identity tuple supplied on connect
func (i Identity) Validate() error {
	if !IsValidPersonID(i.PersonID) {
		return ErrInvalidPersonID
	}
	if !IsValidRole(string(i.Role)) {
		return ErrInvalidRole
	}
	return nil
}
