package feedback

import (
	"regexp"
	"strings"
)

// Category is a coarse classification of a command failure.
type Category string

const (
	CategorySyntax            Category = "SYNTAX"
	CategoryMissingDependency Category = "MISSING_DEPENDENCY"
	CategoryFileNotFound      Category = "FILE_NOT_FOUND"
	CategoryPermission        Category = "PERMISSION"
	CategoryTimeout           Category = "TIMEOUT"
	CategoryRuntime           Category = "RUNTIME"
	CategoryUnknown           Category = "UNKNOWN"
)

// Fixable reports whether the category is eligible for automatic
// fixes. Permission and timeout failures are never auto-fixed.
func (c Category) Fixable() bool {
	switch c {
	case CategoryPermission, CategoryTimeout:
		return false
	}
	return true
}

// Classify maps a command's stderr and exit code onto a Category.
// Patterns are checked most-specific first so a traceback that also
// mentions a path does not misclassify as FILE_NOT_FOUND.
func Classify(stderr string, exitCode int) Category {
	s := strings.ToLower(stderr)

	switch {
	case exitCode == 124 || strings.Contains(s, "timed out") || strings.Contains(s, "timeout"):
		return CategoryTimeout
	case strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted") || strings.Contains(s, "eacces"):
		return CategoryPermission
	case strings.Contains(s, "modulenotfounderror") ||
		strings.Contains(s, "no module named") ||
		strings.Contains(s, "cannot find module") ||
		strings.Contains(s, "importerror"):
		return CategoryMissingDependency
	case strings.Contains(s, "syntaxerror") || strings.Contains(s, "indentationerror") || strings.Contains(s, "unexpected token"):
		return CategorySyntax
	case strings.Contains(s, "no such file or directory") ||
		strings.Contains(s, "filenotfounderror") ||
		strings.Contains(s, "enoent"):
		return CategoryFileNotFound
	case stderr != "":
		return CategoryRuntime
	}
	return CategoryUnknown
}

var (
	pyModuleRe  = regexp.MustCompile(`[Nn]o module named ['"]([A-Za-z0-9_.\-]+)['"]`)
	nodeModule  = regexp.MustCompile(`Cannot find module ['"]([^'"]+)['"]`)
	pyImportRe  = regexp.MustCompile(`ImportError: cannot import name .* from ['"]([A-Za-z0-9_.\-]+)['"]`)
	missingFile = regexp.MustCompile(`(?:FileNotFoundError|No such file or directory)[:\s]*['"]?([^\s'"]+)`)
)

// RuleProvider proposes fixes from stderr patterns alone. It only
// handles the cases a pattern can resolve deterministically; everything
// else returns no fix so a richer provider can be layered on top.
type RuleProvider struct{}

func NewRuleProvider() *RuleProvider { return &RuleProvider{} }

func (p *RuleProvider) SuggestFix(category Category, command, stderr string) (FixAction, bool) {
	switch category {
	case CategoryMissingDependency:
		if m := pyModuleRe.FindStringSubmatch(stderr); m != nil {
			pkg := pipPackageFor(m[1])
			return FixAction{
				Description:    "install missing Python package " + pkg,
				InstallCommand: "pip install " + pkg,
				Confidence:     0.8,
			}, true
		}
		if m := pyImportRe.FindStringSubmatch(stderr); m != nil {
			pkg := pipPackageFor(m[1])
			return FixAction{
				Description:    "reinstall Python package " + pkg,
				InstallCommand: "pip install --upgrade " + pkg,
				Confidence:     0.5,
			}, true
		}
		if m := nodeModule.FindStringSubmatch(stderr); m != nil && !strings.HasPrefix(m[1], ".") {
			return FixAction{
				Description:    "install missing npm package " + m[1],
				InstallCommand: "npm install " + m[1],
				Confidence:     0.7,
			}, true
		}
	case CategoryFileNotFound:
		if m := missingFile.FindStringSubmatch(stderr); m != nil && strings.HasSuffix(m[1], ".txt") {
			return FixAction{
				Description: "create missing file " + m[1],
				FilePath:    m[1],
				FileContent: "",
				Confidence:  0.3,
			}, true
		}
	}
	return FixAction{}, false
}

// Import names that differ from their pip distribution names.
var pipNames = map[string]string{
	"cv2":      "opencv-python",
	"yaml":     "pyyaml",
	"PIL":      "pillow",
	"bs4":      "beautifulsoup4",
	"sklearn":  "scikit-learn",
	"dateutil": "python-dateutil",
	"dotenv":   "python-dotenv",
}

func pipPackageFor(module string) string {
	root := strings.SplitN(module, ".", 2)[0]
	if pkg, ok := pipNames[root]; ok {
		return pkg
	}
	return root
}
