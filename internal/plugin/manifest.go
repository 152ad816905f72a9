package plugin

import (
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional per-plugin manifest name.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name        string `yaml:"name" json:"name" jsonschema:"required,minLength=1,maxLength=64"`
	Version     string `yaml:"version" json:"version" jsonschema:"required,minLength=1"`
	Runtime     Kind   `yaml:"runtime" json:"runtime" jsonschema:"required,enum=script,enum=lua,enum=binary"`
	Entry       string `yaml:"entry,omitempty" json:"entry,omitempty" jsonschema:"pattern=^[A-Za-z0-9_.-]+$"`
	Requires    string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ParseManifest validates data against the manifest schema and parses it.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(CodeInvalidManifest).In("plugin").Wrapf(err, "invalid YAML")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest parses dir/plugin.yaml. A missing manifest returns nil, nil.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is below a managed plugin directory
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code(CodeInvalidManifest).In("plugin").With("path", path).Wrap(err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// Validate checks constraints the schema cannot express.
func (m *Manifest) Validate() error {
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").
			With("field", "version").
			Wrapf(err, "version %q is not a semantic version", m.Version)
	}
	if m.Requires != "" {
		if _, err := semver.NewConstraint(m.Requires); err != nil {
			return oops.Code(CodeInvalidManifest).In("plugin").
				With("field", "requires").
				Wrapf(err, "requires %q is not a version constraint", m.Requires)
		}
	}
	return nil
}

// CheckRequires verifies the host version satisfies the manifest's constraint.
// Hosts built without a semantic version (for example "dev") accept anything.
func (m *Manifest) CheckRequires(hostVersion string) error {
	if m.Requires == "" {
		return nil
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil //nolint:nilerr // unversioned development build
	}
	c, err := semver.NewConstraint(m.Requires)
	if err != nil {
		return oops.Code(CodeInvalidManifest).In("plugin").With("field", "requires").Wrap(err)
	}
	if !c.Check(v) {
		return oops.Code(CodeInvalidManifest).In("plugin").
			With("requires", m.Requires).
			With("host_version", hostVersion).
			Errorf("plugin %q requires botmanager %s", m.Name, m.Requires)
	}
	return nil
}
