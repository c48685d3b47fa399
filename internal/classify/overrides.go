package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucianasi/C4Audit/internal/model"
)

const (
	KindOutlier     = "outlier"
	KindMultisystem = "multisystem"
)

// Override replaces the classification of every file of one audit whose
// layout the generic rules get wrong.
type Override struct {
	Audit      string   `yaml:"audit"`
	Kind       string   `yaml:"kind"`
	Subsystems []string `yaml:"subsystems,omitempty"`
}

type overridesFile struct {
	Overrides []Override `yaml:"overrides"`
}

// DefaultOverrides are the two audits lizard could not be pointed at
// directly when the dataset was first built.
func DefaultOverrides() []Override {
	return []Override{
		{Audit: "2022-05-alchemix", Kind: KindOutlier},
		{
			Audit:      "2025-03-silo-finance",
			Kind:       KindMultisystem,
			Subsystems: []string{"proposals", "silo-core", "silo-oracles", "silo-vaults", "ve-silo"},
		},
	}
}

// LoadOverrides reads a YAML file of the form
//
//	overrides:
//	  - audit: 2025-03-silo-finance
//	    kind: multisystem
//	    subsystems: [silo-core, silo-vaults]
func LoadOverrides(path string) ([]Override, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f overridesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, o := range f.Overrides {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("%s: override %d: %w", path, i, err)
		}
	}
	return f.Overrides, nil
}

func (o Override) Validate() error {
	if o.Audit == "" {
		return fmt.Errorf("audit is required")
	}
	switch o.Kind {
	case KindOutlier:
		return nil
	case KindMultisystem:
		if len(o.Subsystems) == 0 {
			return fmt.Errorf("multisystem override for %s needs subsystems", o.Audit)
		}
		return nil
	default:
		return fmt.Errorf("unknown override kind %q", o.Kind)
	}
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Classify returns the class of file p under this override.
func (o Override) Classify(p string) model.SourceClass {
	p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	switch o.Kind {
	case KindOutlier:
		return classifyOutlier(p)
	case KindMultisystem:
		return classifyMultisystem(p, o.Subsystems)
	default:
		return model.ClassOther
	}
}

// classifyOutlier handles a repository that keeps its production sources in
// contracts-full and splits tests between hardhat and forge trees.
func classifyOutlier(p string) model.SourceClass {
	switch {
	case strings.Contains(p, "contracts-full/test"):
		return model.ClassTest
	case strings.Contains(p, "contracts-full"):
		return model.ClassCode
	case containsAny(p, "contracts-hardhat", "test-forge", "test-hardhat"):
		return model.ClassTest
	default:
		return model.ClassOther
	}
}

// classifyMultisystem handles monorepos where only the listed subsystem
// directories are in scope.
func classifyMultisystem(p string, subsystems []string) model.SourceClass {
	in := false
	for _, s := range subsystems {
		if strings.Contains("/"+p, "/"+strings.ToLower(s)+"/") {
			in = true
			break
		}
	}
	switch {
	case !in:
		return model.ClassOther
	case containsAny(p, "node_modules", "artifacts", "build", "lib", "dependencies", "__pycache__"):
		return model.ClassExternalDependency
	case containsAny(p, "test/", "tests/", "testing/", ".t.sol", "test_", "mock", "harness", "certora"):
		return model.ClassTest
	case containsAny(p, "deploy/", "scripts/", "tasks/", "migrations/"):
		return model.ClassDeployScript
	case containsAny(p, "src/", "contracts/"):
		return model.ClassCode
	case strings.HasSuffix(p, ".sol"):
		return model.ClassCode
	default:
		return model.ClassOther
	}
}

func overrideFor(overrides []Override, audit string) (Override, bool) {
	for _, o := range overrides {
		if o.Audit == audit {
			return o, true
		}
	}
	return Override{}, false
}
