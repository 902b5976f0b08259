package dynamic

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// toolIDPattern restricts ids to a loadable, path-safe charset.
var toolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidationResult aggregates everything wrong (errors) or questionable
// (warnings) about a registration. A result with errors blocks registration;
// warnings do not.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the registration may proceed.
func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err flattens the errors into one error value, nil when OK.
func (r *ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("tool validation failed: %v", r.Errors)
}

// validate checks a metadata record against the registry's current contents.
// installed maps tool id to its installed version for dependency resolution;
// names holds the human names already taken.
func validate(meta *ToolMetadata, installed map[string]*semver.Version, names map[string]string) *ValidationResult {
	res := &ValidationResult{}

	if meta.ID == "" {
		res.errorf("tool id is required")
	} else if !toolIDPattern.MatchString(meta.ID) {
		res.errorf("tool id %q contains invalid characters", meta.ID)
	}
	if meta.Tool.Name == "" {
		res.errorf("tool name is required")
	}
	if meta.Tool.Execute == nil {
		res.errorf("tool %q has no execute function", meta.ID)
	}
	if meta.Tool.Description == "" {
		res.warnf("tool %q has no description", meta.ID)
	}

	if meta.Version == "" {
		res.errorf("tool %q requires a version", meta.ID)
	} else if _, err := semver.NewVersion(meta.Version); err != nil {
		res.errorf("tool %q version %q is not valid semver: %v", meta.ID, meta.Version, err)
	}

	if meta.Author == "" {
		res.errorf("tool %q requires an author", meta.ID)
	}
	if meta.License == "" {
		res.errorf("tool %q requires a license", meta.ID)
	}
	if meta.Security.Checksum == "" {
		res.errorf("tool %q requires a checksum", meta.ID)
	}

	if owner, taken := names[meta.Tool.Name]; taken && owner != meta.ID {
		res.warnf("tool name %q is already used by %q", meta.Tool.Name, owner)
	}

	if !meta.Security.Sandboxed {
		res.warnf("tool %q runs unsandboxed", meta.ID)
	}
	if !meta.Security.TrustedSource {
		res.warnf("tool %q comes from an untrusted source", meta.ID)
	}

	for _, dep := range meta.Dependencies {
		checkDependency(res, meta.ID, dep, installed)
	}

	return res
}

// checkDependency resolves one dependency, by tool id, against installed
// versions. A missing or version-mismatched required dependency is an error;
// for optional dependencies it is only a warning.
func checkDependency(res *ValidationResult, id string, dep Dependency, installed map[string]*semver.Version) {
	report := res.errorf
	if dep.Optional {
		report = res.warnf
	}

	ver, ok := installed[dep.ID]
	if !ok {
		report("tool %q depends on %q which is not installed", id, dep.ID)
		return
	}
	if dep.Constraint == "" {
		return
	}

	constraint, err := semver.NewConstraint(dep.Constraint)
	if err != nil {
		res.errorf("tool %q dependency %q has invalid constraint %q: %v",
			id, dep.ID, dep.Constraint, err)
		return
	}
	if !constraint.Check(ver) {
		report("tool %q requires %s %s but %s is installed",
			id, dep.ID, dep.Constraint, ver)
	}
}
