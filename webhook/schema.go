package webhook

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// deviceSchema accepts any JSON object; the field shapes are handled by
// the payload parser
const deviceSchema = `{
  "type": "object",
  "minProperties": 1
}`

// lorawanSchema accepts The Things Stack events and the ESP32 sensors format
const lorawanSchema = `{
  "type": "object",
  "definitions": {
    "deviceIds": {
      "type": "object",
      "required": ["device_id"],
      "properties": {"device_id": {"type": "string", "minLength": 1}}
    }
  },
  "anyOf": [
    {
      "required": ["end_device_ids"],
      "properties": {
        "end_device_ids": {"$ref": "#/definitions/deviceIds"},
        "uplink_message": {"type": "object"}
      }
    },
    {
      "required": ["data"],
      "properties": {
        "data": {
          "type": "object",
          "required": ["end_device_ids"],
          "properties": {
            "end_device_ids": {"$ref": "#/definitions/deviceIds"},
            "uplink_message": {"type": "object"}
          }
        }
      }
    },
    {
      "required": ["device_id", "sensors"],
      "properties": {
        "device_id": {"type": "string", "minLength": 1},
        "sensors": {"type": "array"}
      }
    }
  ]
}`

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid webhook schema: %v", err))
	}
	return schema
}

var (
	deviceValidator  = mustSchema(deviceSchema)
	lorawanValidator = mustSchema(lorawanSchema)
)

// validate checks payload against schema. The error lists every violation.
func validate(schema *gojsonschema.Schema, payload []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrMalformedPayload, strings.Join(msgs, "; "))
}
