// Package validation enforces an agent's output contract on its raw response.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/render"
)

// Validate checks raw against contract and returns the typed output.
// Validation is pure: validating out.Raw() against the same contract yields out again.
func Validate(raw string, contract core.OutputContract) (core.Output, error) {
	switch contract.EffectiveKind() {
	case core.ContractNone:
		text := strings.TrimSpace(raw)
		if text == "" {
			return core.Output{}, errEmptyOutput()
		}
		return core.MarkdownOutput(text, nil), nil

	case core.ContractSchema:
		return validateSchema(raw, contract.Schema)

	case core.ContractTemplate:
		return validateTemplate(raw, contract.Template)
	}
	return core.Output{}, core.ErrDefinition(core.CodeInvalidDefinition,
		fmt.Sprintf("unknown output contract kind %q", contract.Kind))
}

func validateSchema(raw string, schema *core.Schema) (core.Output, error) {
	if strings.TrimSpace(raw) == "" {
		return core.Output{}, errEmptyOutput()
	}
	value, err := ExtractJSON(raw)
	if err != nil {
		return core.Output{}, &core.SchemaViolationError{Path: rootPath, Reason: err.Error()}
	}
	if err := CheckSchema(value, schema); err != nil {
		return core.Output{}, err
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return core.Output{}, &core.SchemaViolationError{
			Path:   rootPath,
			Reason: fmt.Sprintf("expected object, got %s", jsonType(value)),
		}
	}
	return core.JSONOutput(obj), nil
}

func validateTemplate(raw, tmpl string) (core.Output, error) {
	fields, err := ExtractObject(raw)
	if err != nil {
		fields = parseFieldLines(raw)
	}
	if missing := render.Missing(tmpl, fields); len(missing) > 0 {
		return core.Output{}, &core.TemplateFieldMissingError{Fields: missing}
	}
	return core.MarkdownOutput(render.Render(tmpl, fields), fields), nil
}

func errEmptyOutput() *core.DomainError {
	return &core.DomainError{
		Category:  core.ErrCatValidation,
		Code:      core.CodeEmptyModelOutput,
		Message:   "model returned an empty response",
		Retryable: true,
	}
}

// Instructions describes the contract to the model. It is appended to the system turn.
func Instructions(contract core.OutputContract) string {
	switch contract.EffectiveKind() {
	case core.ContractSchema:
		if contract.Schema == nil {
			return "Respond with a single JSON object."
		}
		b, err := json.MarshalIndent(contract.Schema, "", "  ")
		if err != nil {
			return "Respond with a single JSON object."
		}
		return "Respond with a single JSON object, without commentary, that conforms to this JSON schema:\n" + string(b)
	case core.ContractTemplate:
		fields := render.Placeholders(contract.Template)
		if len(fields) == 0 {
			return ""
		}
		return "Respond with a single JSON object providing these fields: " + strings.Join(fields, ", ") + "."
	}
	return ""
}

// CorrectionPrompt is the user turn added when retrying after a validation failure.
func CorrectionPrompt(err error) string {
	var schemaErr *core.SchemaViolationError
	var fieldsErr *core.TemplateFieldMissingError
	switch {
	case errors.As(err, &schemaErr):
		return fmt.Sprintf("Your previous response was rejected: field %s is invalid (%s). "+
			"Respond again with the complete corrected JSON object.", schemaErr.Path, schemaErr.Reason)
	case errors.As(err, &fieldsErr):
		return fmt.Sprintf("Your previous response was rejected: it did not provide %s. "+
			"Respond again with a JSON object that includes every required field.", strings.Join(fieldsErr.Fields, ", "))
	default:
		return fmt.Sprintf("Your previous response was rejected: %v. Respond again.", err)
	}
}
