package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"

	"github.com/buger/jsonparser"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema is the subset of package.json this tool relies on. Fields
// outside it are ignored; fields inside it must have the declared shape.
const manifestSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name":             {"type": "string", "minLength": 1},
    "version":          {"type": "string"},
    "scripts":          {"$ref": "#/definitions/stringMap"},
    "dependencies":     {"$ref": "#/definitions/stringMap"},
    "devDependencies":  {"$ref": "#/definitions/stringMap"},
    "peerDependencies": {"$ref": "#/definitions/stringMap"}
  },
  "definitions": {
    "stringMap": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var compiledSchema = jsonschema.MustCompileString("package.schema.json", manifestSchema)

// dependencyFields are read in this order; the type distinction is dropped.
var dependencyFields = []string{"dependencies", "devDependencies", "peerDependencies"}

// Manifest is the validated view of a package manifest.
type Manifest struct {
	Path    string
	Name    string
	Version string
	Scripts map[string]string
	// Dependencies is the union of production, development and peer
	// dependency names in declaration order, without duplicates.
	Dependencies []string
}

// HasScript reports whether the manifest declares the named script.
func (m *Manifest) HasScript(name string) bool {
	_, ok := m.Scripts[name]
	return ok
}

// ReadManifest reads, validates and decodes the manifest at path. Failures
// are returned as *ManifestError.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Category: CategoryUnreadable, Err: err}
	}
	return ParseManifest(path, data)
}

// ParseManifest validates and decodes manifest bytes. path is used only for
// error reporting.
func ParseManifest(path string, data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ManifestError{Path: path, Category: CategoryMalformed, Err: err}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, &ManifestError{Path: path, Category: CategorySchema, Err: err}
	}

	var raw struct {
		Name    string            `json:"name"`
		Version string            `json:"version"`
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestError{Path: path, Category: CategoryMalformed, Err: err}
	}

	deps, err := orderedDependencies(data)
	if err != nil {
		return nil, &ManifestError{Path: path, Category: CategoryMalformed, Err: err}
	}

	return &Manifest{
		Path:         path,
		Name:         raw.Name,
		Version:      raw.Version,
		Scripts:      raw.Scripts,
		Dependencies: deps,
	}, nil
}

// orderedDependencies walks the dependency objects in document order so the
// build order is stable across runs.
func orderedDependencies(data []byte) ([]string, error) {
	seen := make(map[string]bool)
	var deps []string
	for _, field := range dependencyFields {
		err := jsonparser.ObjectEach(data, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
			name := string(key)
			if !seen[name] {
				seen[name] = true
				deps = append(deps, name)
			}
			return nil
		}, field)
		if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return nil, err
		}
	}
	return deps, nil
}
