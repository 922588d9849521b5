package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Missing step keys are tolerated here and repaired by Normalize; wrong
// types and unknown status values are not.
const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "filename": {"type": "string"},
    "inputFile": {"type": "string"},
    "steps": {
      "type": "object",
      "additionalProperties": {"enum": ["PENDING", "RUNNING", "COMPLETED", "FAILED"]}
    },
    "outputs": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "string"}
    },
    "logs": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["level", "message"],
        "properties": {
          "timestamp": {"type": "string"},
          "level": {"enum": ["info", "warn", "error"]},
          "message": {"type": "string"}
        }
      }
    },
    "metadata": {"type": ["object", "null"]},
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"}
  }
}`

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchemaJSON)

func validateManifest(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if err := manifestSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	return nil
}
