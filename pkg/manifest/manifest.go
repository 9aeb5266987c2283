// Package manifest parses and validates extension definitions
// (extension.yaml) that accompany each published extension version.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Category classifies extensions in the registry.
type Category string

const (
	CategoryBase           Category = "base"
	CategoryLanguage       Category = "language"
	CategoryDevTools       Category = "dev-tools"
	CategoryAI             Category = "ai"
	CategoryInfrastructure Category = "infrastructure"
	CategoryUtilities      Category = "utilities"
)

// InstallMethod names an install backend.
type InstallMethod string

const (
	MethodScript InstallMethod = "script"
	MethodMise   InstallMethod = "mise"
	MethodApt    InstallMethod = "apt"
	MethodBinary InstallMethod = "binary"
	MethodNpm    InstallMethod = "npm"
	MethodHybrid InstallMethod = "hybrid"
)

// TemplateMode controls behaviour when a template destination exists.
type TemplateMode string

const (
	ModeOverwrite TemplateMode = "overwrite"
	ModeBackup    TemplateMode = "backup"
	ModeSkip      TemplateMode = "skip"
	ModeMerge     TemplateMode = "merge"
)

// MergeStrategy selects how merge-mode templates combine content.
type MergeStrategy string

const (
	MergeAppend  MergeStrategy = "append"
	MergePrepend MergeStrategy = "prepend"
	MergeJSON    MergeStrategy = "json-merge"
)

// EnvScope selects where an environment variable is persisted.
type EnvScope string

const (
	ScopeBashrc  EnvScope = "bashrc"
	ScopeProfile EnvScope = "profile"
	ScopeSession EnvScope = "session"
)

// UpgradeStrategy selects how upgrades are executed.
type UpgradeStrategy string

const (
	UpgradeInPlace           UpgradeStrategy = "in-place"
	UpgradeRemoveThenInstall UpgradeStrategy = "remove-then-install"
	UpgradeProviderSpecific  UpgradeStrategy = "provider-specific"
)

// Extension is the declarative unit, immutable within a version.
type Extension struct {
	Name         string   `yaml:"name" validate:"required,kebabcase"`
	Version      string   `yaml:"version" validate:"required,semver_strict"`
	Category     Category `yaml:"category" validate:"required,oneof=base language dev-tools ai infrastructure utilities"`
	Description  string   `yaml:"description,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" validate:"dive,kebabcase"`
	Conflicts    []string `yaml:"conflicts,omitempty" validate:"dive,kebabcase"`
	Protected    bool     `yaml:"protected,omitempty"`

	Install   InstallSpec     `yaml:"install" validate:"required"`
	Configure []ConfigureStep `yaml:"configure,omitempty" validate:"dive"`
	Validate  ValidateSpec    `yaml:"validate,omitempty"`
	Remove    *RemoveSpec     `yaml:"remove,omitempty"`
	Upgrade   *UpgradeSpec    `yaml:"upgrade,omitempty"`

	Capabilities *Capabilities `yaml:"capabilities,omitempty"`
}

// InstallSpec is a tagged install variant; exactly the fields for the
// named method are set.
type InstallSpec struct {
	Method InstallMethod `yaml:"method" validate:"required,oneof=script mise apt binary npm hybrid"`

	Script *ScriptInstall `yaml:"script,omitempty"`
	Mise   *MiseInstall   `yaml:"mise,omitempty"`
	Apt    *AptInstall    `yaml:"apt,omitempty"`
	Binary *BinaryInstall `yaml:"binary,omitempty"`
	Npm    *NpmInstall    `yaml:"npm,omitempty"`

	// Hybrid lists the steps to run; every step runs, in the
	// canonical order apt, mise, npm, binary, script.
	Hybrid []InstallSpec `yaml:"hybrid,omitempty" validate:"dive"`
}

// ScriptInstall invokes a script inside the payload directory.
type ScriptInstall struct {
	Path        string   `yaml:"path" validate:"required"`
	TimeoutSecs int      `yaml:"timeout_secs,omitempty"`
	Args        []string `yaml:"args,omitempty"`
}

// MiseInstall merges a mise config fragment and installs its tools.
type MiseInstall struct {
	ConfigFile string `yaml:"config_file" validate:"required"`
	Reshim     bool   `yaml:"reshim,omitempty"`
}

// AptRepo describes an apt repository to register before installing.
type AptRepo struct {
	Name   string `yaml:"name" validate:"required"`
	Line   string `yaml:"line" validate:"required"`
	KeyURL string `yaml:"key_url,omitempty"`
}

// AptInstall installs distribution packages.
type AptInstall struct {
	Packages []string  `yaml:"packages" validate:"required,min=1"`
	Repos    []AptRepo `yaml:"repos,omitempty" validate:"dive"`
}

// BinaryInstall downloads a binary artefact to a target path.
type BinaryInstall struct {
	URL        string `yaml:"url" validate:"required,url"`
	Checksum   string `yaml:"checksum,omitempty"`
	TargetPath string `yaml:"target_path" validate:"required"`
	Mode       uint32 `yaml:"mode,omitempty"`
	Extract    bool   `yaml:"extract,omitempty"`
}

// NpmInstall installs npm packages, globally or under a prefix.
type NpmInstall struct {
	Packages []string `yaml:"packages" validate:"required,min=1"`
	Global   bool     `yaml:"global,omitempty"`
	Prefix   string   `yaml:"prefix,omitempty"`
}

// ConfigureStep is one ordered configure action: a template or an env var.
type ConfigureStep struct {
	Template *TemplateSpec `yaml:"template,omitempty"`
	Env      *EnvSpec      `yaml:"env,omitempty"`
}

// TemplateSpec materialises a file from the payload into the home tree.
type TemplateSpec struct {
	Source        string        `yaml:"source" validate:"required"`
	Dest          string        `yaml:"dest" validate:"required"`
	Mode          TemplateMode  `yaml:"mode,omitempty" validate:"omitempty,oneof=overwrite backup skip merge"`
	MergeStrategy MergeStrategy `yaml:"merge_strategy,omitempty" validate:"omitempty,oneof=append prepend json-merge"`
}

// EnvSpec persists an environment variable in the given scope.
type EnvSpec struct {
	Key   string   `yaml:"key" validate:"required"`
	Value string   `yaml:"value"`
	Scope EnvScope `yaml:"scope" validate:"required,oneof=bashrc profile session"`
}

// ValidateSpec declares post-install checks.
type ValidateSpec struct {
	Commands  []ValidationCommand `yaml:"commands,omitempty" validate:"dive"`
	MiseTools []string            `yaml:"mise_tools,omitempty"`
}

// ValidationCommand runs one command and checks its output.
type ValidationCommand struct {
	Command         string `yaml:"command" validate:"required"`
	VersionFlag     string `yaml:"version_flag,omitempty"`
	ExpectedPattern string `yaml:"expected_pattern,omitempty"`
}

// RemoveSpec overrides the removal derived from the install variant.
type RemoveSpec struct {
	Script *ScriptInstall `yaml:"script,omitempty"`
}

// UpgradeSpec selects the upgrade strategy.
type UpgradeSpec struct {
	Strategy UpgradeStrategy `yaml:"strategy" validate:"required,oneof=in-place remove-then-install provider-specific"`
}

// Hooks are shell commands run around lifecycle operations.
type Hooks struct {
	PreInstall      string `yaml:"pre_install,omitempty"`
	PostInstall     string `yaml:"post_install,omitempty"`
	PreProjectInit  string `yaml:"pre_project_init,omitempty"`
	PostProjectInit string `yaml:"post_project_init,omitempty"`
}

// Capabilities carries optional extension behaviours.
type Capabilities struct {
	Hooks *Hooks `yaml:"hooks,omitempty"`

	// KeepPackages lists apt packages other extensions must not purge.
	KeepPackages []string `yaml:"keep_packages,omitempty"`

	Features []string `yaml:"features,omitempty"`
}

var kebabRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("kebabcase", func(fl validator.FieldLevel) bool {
		return kebabRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("semver_strict", func(fl validator.FieldLevel) bool {
		_, err := semver.StrictNewVersion(fl.Field().String())
		return err == nil
	})
	return v
}

var validate = newValidator()

// Parse decodes an extension definition. In strict mode unknown
// top-level keys are rejected.
func Parse(data []byte, strict bool) (*Extension, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)

	var ext Extension
	if err := dec.Decode(&ext); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty extension definition")
		}
		return nil, fmt.Errorf("parsing extension definition: %w", err)
	}
	if err := ext.Check(); err != nil {
		return nil, err
	}
	return &ext, nil
}

// Load reads and parses an extension.yaml file.
func Load(path string, strict bool) (*Extension, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extension definition: %w", err)
	}
	ext, err := Parse(data, strict)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ext, nil
}

// Check validates structural and semantic constraints.
func (e *Extension) Check() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid extension definition: %w", err)
	}
	if err := e.Install.check(); err != nil {
		return err
	}
	for i, step := range e.Configure {
		if (step.Template == nil) == (step.Env == nil) {
			return fmt.Errorf("configure step %d must set exactly one of template or env", i)
		}
	}
	for _, dep := range e.Dependencies {
		if dep == e.Name {
			return fmt.Errorf("extension %s cannot depend on itself", e.Name)
		}
	}
	return nil
}

func (s *InstallSpec) check() error {
	var want string
	set := 0
	if s.Script != nil {
		set++
		want = "script"
	}
	if s.Mise != nil {
		set++
		want = "mise"
	}
	if s.Apt != nil {
		set++
		want = "apt"
	}
	if s.Binary != nil {
		set++
		want = "binary"
	}
	if s.Npm != nil {
		set++
		want = "npm"
	}
	if len(s.Hybrid) > 0 {
		set++
		want = "hybrid"
	}

	if set == 0 {
		return fmt.Errorf("install method %s has no configuration", s.Method)
	}
	if set > 1 || InstallMethod(want) != s.Method {
		return fmt.Errorf("install configuration does not match method %s", s.Method)
	}
	for i := range s.Hybrid {
		if err := s.Hybrid[i].check(); err != nil {
			return fmt.Errorf("hybrid backend %d: %w", i, err)
		}
		if s.Hybrid[i].Method == MethodHybrid {
			return fmt.Errorf("hybrid backends cannot nest")
		}
	}
	return nil
}

// SemVersion returns the parsed manifest version.
func (e *Extension) SemVersion() (*semver.Version, error) {
	return semver.StrictNewVersion(e.Version)
}

// EffectiveTimeout returns the script timeout or the given default.
func (s *ScriptInstall) EffectiveTimeout(defaultSecs int) int {
	if s.TimeoutSecs > 0 {
		return s.TimeoutSecs
	}
	return defaultSecs
}
