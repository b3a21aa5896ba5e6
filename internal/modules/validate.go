package modules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opalhq/opal/pkg/models"
)

// ValidateManifest checks a fetched manifest. A missing module name is
// fatal. Malformed tools (no name, duplicate names, invalid permission
// levels, parameter schemas that do not compile) are removed from the
// manifest and reported so the caller can log them; one bad tool never
// takes a whole module out of the catalog.
func ValidateManifest(manifest *models.ModuleManifest) ([]string, error) {
	if manifest.ModuleName == "" {
		return nil, fmt.Errorf("manifest missing module_name")
	}

	var dropped []string
	kept := manifest.Tools[:0]
	seen := make(map[string]bool, len(manifest.Tools))
	for i, tool := range manifest.Tools {
		switch {
		case tool.Name == "":
			dropped = append(dropped, fmt.Sprintf("tool %d: missing name", i))
		case seen[tool.Name]:
			dropped = append(dropped, fmt.Sprintf("%s: duplicate tool name", tool.Name))
		case tool.RequiredPermission != "" && !tool.RequiredPermission.Valid():
			dropped = append(dropped, fmt.Sprintf("%s: invalid required_permission %q", tool.Name, tool.RequiredPermission))
		default:
			if len(tool.Parameters) > 0 {
				if _, err := compileSchema(tool.Parameters); err != nil {
					dropped = append(dropped, fmt.Sprintf("%s: invalid parameter schema: %v", tool.Name, err))
					continue
				}
			}
			seen[tool.Name] = true
			kept = append(kept, tool)
		}
	}
	manifest.Tools = kept
	return dropped, nil
}

// ValidateArguments checks tool call arguments against the tool's parameter
// schema. Tools without a schema accept anything.
func ValidateArguments(spec models.ToolSpec, arguments json.RawMessage) error {
	if len(spec.Parameters) == 0 {
		return nil
	}
	schema, err := compileSchema(spec.Parameters)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", spec.Name, err)
	}

	var value any
	if len(arguments) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(arguments, &value); err != nil {
		return fmt.Errorf("tool %q arguments are not valid JSON: %w", spec.Name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("tool %q arguments: %w", spec.Name, err)
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}
