// Package policy loads role profiles: the action scope a session runs
// under and the review posture its results must clear before promotion.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthMethod names how a credential is verified for a role.
type AuthMethod string

const (
	AuthNone AuthMethod = "none"
	AuthPIN  AuthMethod = "pin"
	AuthTOTP AuthMethod = "totp"
)

// Role is one role profile. Actions support a trailing "*" wildcard
// ("fs_*" permits fs_read and fs_write).
type Role struct {
	Name           string     `yaml:"name"`
	AllowedActions []string   `yaml:"allowed_actions"`
	RequiresReview bool       `yaml:"requires_review"`
	Auth           AuthMethod `yaml:"auth"`
	// Write limit overrides; zero means ceiling. Clamping happens in the
	// limits package, not here.
	MaxFileSizeBytes   int64 `yaml:"max_file_size_bytes"`
	MaxFilesCreated    int   `yaml:"max_files_created"`
	MaxFilesModified   int   `yaml:"max_files_modified"`
	MaxTotalWriteBytes int64 `yaml:"max_total_write_bytes"`
	MaxLinesPerFile    int   `yaml:"max_lines_per_file"`
}

// Profiles is the full set of role profiles loaded from policy.yaml.
type Profiles struct {
	Roles []Role `yaml:"roles"`
}

// Default returns a conservative built-in profile set: a reviewer role
// that may only read and run code, always with human review.
func Default() Profiles {
	return Profiles{Roles: []Role{
		{
			Name:           "default",
			AllowedActions: []string{"fs_read", "fs_write", "exec", "install_dependency"},
			RequiresReview: true,
			Auth:           AuthPIN,
		},
	}}
}

// Load reads role profiles from a YAML file. A missing or empty file
// yields the defaults.
func Load(path string) (Profiles, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Profiles{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profiles{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

func (p Profiles) validate() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy defines no roles")
	}
	seen := make(map[string]struct{})
	for _, r := range p.Roles {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		if name == "" {
			return fmt.Errorf("role with empty name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate role %q", r.Name)
		}
		seen[name] = struct{}{}
		switch r.Auth {
		case "", AuthNone, AuthPIN, AuthTOTP:
		default:
			return fmt.Errorf("role %q: unknown auth method %q", r.Name, r.Auth)
		}
	}
	return nil
}

// Role looks a profile up by name, case-insensitive.
func (p Profiles) Role(name string) (Role, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range p.Roles {
		if strings.ToLower(strings.TrimSpace(r.Name)) == name {
			return r, true
		}
	}
	return Role{}, false
}

// AllowsAction reports whether the role permits the named action.
func (r Role) AllowsAction(action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return false
	}
	for _, allowed := range r.AllowedActions {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if allowed == "*" || allowed == action {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return false
}

// ScopeViolations returns the subset of actions the role does not permit,
// in input order.
func (r Role) ScopeViolations(actions []string) []string {
	var out []string
	for _, a := range actions {
		if !r.AllowsAction(a) {
			out = append(out, a)
		}
	}
	return out
}

// Version is a stable fingerprint of the loaded profiles, recorded with
// every audit entry so decisions can be traced to the policy in force.
func (p Profiles) Version() string {
	h := fnv.New64a()
	names := make([]string, 0, len(p.Roles))
	byName := make(map[string]Role, len(p.Roles))
	for _, r := range p.Roles {
		names = append(names, r.Name)
		byName[r.Name] = r
	}
	sort.Strings(names)
	for _, name := range names {
		r := byName[name]
		fmt.Fprintf(h, "%s|%v|%t|%s\n", r.Name, r.AllowedActions, r.RequiresReview, r.Auth)
	}
	return "p" + strconv.FormatUint(h.Sum64(), 16)
}
