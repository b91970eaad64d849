package manager

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// FormatValidationError converts the detailed JSON Schema validation errors
// to a concise, user-friendly error message
func FormatValidationError(result *jsonschema.EvaluationResult) error {
	list := result.ToList()

	seen := make(map[string]struct{})
	var messages []string
	add := func(msg string) {
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		messages = append(messages, msg)
	}

	collectValidationMessages(list, add)

	if len(messages) == 0 {
		return errors.New("configuration does not match the schema, use -debug for details")
	}

	sort.Strings(messages)
	return fmt.Errorf("\n - %s", strings.Join(messages, "\n - "))
}

// collectValidationMessages walks the validation list and its nested details
func collectValidationMessages(list *jsonschema.List, add func(string)) {
	field := optionPath(list.InstanceLocation)

	for keyword, errMsg := range list.Errors {
		if errMsg == "" || keyword == "properties" || keyword == "items" {
			continue
		}
		switch keyword {
		case "additionalProperties":
			if fields := extractUnknownFields(errMsg); len(fields) > 0 {
				add(fmt.Sprintf("Unrecognized option(s)%s: %s", inOption(field), strings.Join(fields, ", ")))
				continue
			}
		case "required":
			add(fmt.Sprintf("Missing required option(s)%s: %s", inOption(field), errMsg))
			continue
		}

		if strings.Contains(errMsg, "No values are allowed because the schema is set to 'false'") {
			errMsg = "not a valid configuration option"
		}
		if field == "" {
			add("Error: " + errMsg)
		} else {
			add(fmt.Sprintf("Problem with option '%s': %s", field, errMsg))
		}
	}

	for i := range list.Details {
		if list.Details[i].Valid {
			continue
		}
		collectValidationMessages(&list.Details[i], add)
	}
}

func inOption(field string) string {
	if field == "" {
		return " in config file"
	}
	return fmt.Sprintf(" in '%s'", field)
}

// extractUnknownFields extracts field names from an additionalProperties error message
func extractUnknownFields(errMsg string) []string {
	// The format is usually: "Additional properties 'field1', 'field2' do not match the schema"
	if !strings.Contains(errMsg, "Additional properties") {
		return nil
	}

	fieldsText := strings.TrimPrefix(errMsg, "Additional properties ")
	fieldsText = strings.TrimSuffix(fieldsText, " do not match the schema")

	var fields []string
	for _, field := range strings.Split(fieldsText, ", ") {
		field = strings.Trim(field, "'")
		if field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// optionPath turns a JSON pointer such as /zones/0/email into zones[0].email
func optionPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}

	var b strings.Builder
	for _, segment := range strings.Split(pointer, "/") {
		if segment != "" && strings.Trim(segment, "0123456789") == "" {
			b.WriteString("[" + segment + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(segment)
	}
	return b.String()
}
