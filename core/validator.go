package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var enTrans ut.Translator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	enTrans, _ = ut.New(en, en).GetTranslator("en")

	// report fields by their json name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	if err := en_translations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		panic(err)
	}
}

// ValidationMessage flattens validation errors into a readable sentence.
// Errors that are not validation errors are returned as is.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(enTrans))
	}
	return strings.Join(msgs, ", ")
}
