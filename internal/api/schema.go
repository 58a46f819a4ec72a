package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// touchpointSchema checks field types of the journey intake payload.
// Required fields and event kinds are checked by the service so that both
// paths report the same messages.
const touchpointSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "session_id": {"type": "string", "maxLength": 255},
    "event_type": {"type": "string", "maxLength": 32},
    "campaign_id": {"type": ["string", "null"]},
    "utm_data": {
      "type": ["object", "null"],
      "properties": {
        "utm_source": {"type": "string"},
        "utm_medium": {"type": "string"},
        "utm_campaign": {"type": "string"},
        "utm_content": {"type": "string"},
        "utm_term": {"type": "string"}
      }
    },
    "utm_source": {"type": ["string", "null"]},
    "utm_medium": {"type": ["string", "null"]},
    "utm_campaign": {"type": ["string", "null"]},
    "utm_content": {"type": ["string", "null"]},
    "utm_term": {"type": ["string", "null"]},
    "page_url": {"type": ["string", "null"]},
    "referrer_url": {"type": ["string", "null"]},
    "customer_email": {"type": ["string", "null"]},
    "user_agent_hash": {"type": ["string", "null"]},
    "conversion_value": {"type": ["number", "null"], "minimum": 0},
    "order_id": {"type": ["string", "number", "null"]},
    "timestamp": {"type": ["string", "null"]}
  }
}`

// payloadValidator validates request bodies against a compiled schema
type payloadValidator struct {
	schema *gojsonschema.Schema
}

func newPayloadValidator(schema string) (*payloadValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &payloadValidator{schema: compiled}, nil
}

// Validate returns field messages keyed by JSON path; nil when valid
func (v *payloadValidator) Validate(body []byte) (map[string][]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make(map[string][]string)
	for _, issue := range result.Errors() {
		field := strings.TrimPrefix(issue.Field(), "(root).")
		errs[field] = append(errs[field], issue.Description())
	}
	for field := range errs {
		sort.Strings(errs[field])
	}
	return errs, nil
}
