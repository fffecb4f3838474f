package controller

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	appErrors "github.com/unclebandit/mailcampaign/internal/errors"
)

const scheduleSchema = `{
	"type": "object",
	"properties": {
		"mode": {"type": "string"},
		"at": {"type": "string"},
		"delay": {"type": "integer", "minimum": 0},
		"unit": {"type": "string"},
		"timezone": {"type": "string"}
	}
}`

var (
	createCampaignSchema = mustSchema(`{
		"type": "object",
		"required": ["subject", "body"],
		"properties": {
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1},
			"list_ids": {"type": "array", "items": {"type": "integer", "minimum": 1}},
			"subscriber_ids": {"type": "array", "items": {"type": "integer", "minimum": 1}},
			"sources": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"external": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["email"],
					"properties": {
						"email": {"type": "string"},
						"first_name": {"type": "string"},
						"last_name": {"type": "string"},
						"status": {"type": "string"}
					}
				}
			},
			"bcc": {"type": "string"},
			"schedule": ` + scheduleSchema + `
		}
	}`)

	oneTimeSchema = mustSchema(`{
		"type": "object",
		"required": ["recipient_email", "subject", "body"],
		"properties": {
			"recipient_email": {"type": "string", "minLength": 3},
			"recipient_name": {"type": "string"},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1},
			"immediate": {"type": "boolean"},
			"schedule": ` + scheduleSchema + `
		}
	}`)

	previewSchema = mustSchema(`{
		"type": "object",
		"required": ["subject", "body"],
		"properties": {
			"subject": {"type": "string"},
			"body": {"type": "string"},
			"values": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`)

	mailerTestSchema = mustSchema(`{
		"type": "object",
		"properties": {
			"to": {"type": "string"}
		}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return s
}

// validateBody checks a raw request body against schema and turns every
// violation into one validation error.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return appErrors.NewValidationError("malformed JSON body: " + err.Error())
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return appErrors.NewValidationError(strings.Join(errs, "; "))
	}
	return nil
}
