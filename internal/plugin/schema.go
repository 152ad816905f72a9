package plugin

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated manifest schema.
const SchemaID = "https://holomush.dev/schemas/botmanager-plugin.schema.json"

var (
	compiledOnce   sync.Once
	compiledSchema *jschema.Schema
	compiledErr    error
)

// GenerateSchema reflects the Manifest struct into a JSON Schema document.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "botmanager plugin manifest"
	schema.Description = "Schema for optional plugin.yaml files inside uploaded archives"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").In("plugin").Wrap(err)
	}
	return data, nil
}

// ValidateSchema validates YAML data against the manifest schema.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return oops.Code(CodeInvalidManifest).In("plugin").Errorf("manifest is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").Wrapf(err, "invalid YAML")
	}
	// Round-trip through JSON so the validator sees JSON types only.
	raw, err := json.Marshal(doc)
	if err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").Wrapf(err, "manifest is not representable as JSON")
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").Wrap(err)
	}

	sch, err := manifestSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").Wrapf(err, "schema validation failed")
	}
	return nil
}

func manifestSchema() (*jschema.Schema, error) {
	compiledOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			compiledErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").In("plugin").Wrap(err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource(SchemaID, doc); err != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").In("plugin").Wrap(err)
			return
		}
		compiledSchema, compiledErr = c.Compile(SchemaID)
		if compiledErr != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").In("plugin").Wrap(compiledErr)
		}
	})
	return compiledSchema, compiledErr
}
