// Package gate implements the AEGIS governance gate: the single
// pass/fail decision that authorizes promoting sandbox results into the
// real workspace.
package gate

import (
	"fmt"

	"github.com/basket/aegis/internal/limits"
	"github.com/basket/aegis/internal/policy"
	"github.com/basket/aegis/internal/scan"
)

// Check names, as they appear in Decision.ChecksPassed/ChecksFailed.
const (
	CheckSecretScan  = "secret_scan"
	CheckWriteLimits = "write_limits"
	CheckRoleScope   = "role_scope"
	CheckAuth        = "auth"
)

// SecretScanner scans a directory tree for embedded secrets.
// Implemented by *scan.Scanner.
type SecretScanner interface {
	ScanDir(root string) ([]scan.Finding, error)
}

// Decision is the result of one gate evaluation. It is produced fresh on
// every call and never mutated afterward.
type Decision struct {
	Approved     bool           `json:"approved"`
	ChecksPassed []string       `json:"checks_passed"`
	ChecksFailed []string       `json:"checks_failed"`
	Details      map[string]any `json:"details"`
}

// Summary renders the decision for direct display.
func (d Decision) Summary() string {
	verdict := "APPROVED"
	if !d.Approved {
		verdict = "BLOCKED"
	}
	return fmt.Sprintf("AEGIS gate: %s (%d passed, %d failed)",
		verdict, len(d.ChecksPassed), len(d.ChecksFailed))
}

// Gate composes the secret scanner, the session's write tracker, the
// active role profile, and an authenticator into one decision function.
type Gate struct {
	scanner SecretScanner
	tracker *limits.Tracker
	role    policy.Role
	auth    Authenticator
}

// New creates a gate for one session. auth may be nil when the role does
// not require review.
func New(scanner SecretScanner, tracker *limits.Tracker, role policy.Role, auth Authenticator) *Gate {
	return &Gate{scanner: scanner, tracker: tracker, role: role, auth: auth}
}

// Evaluate runs all four checks and requires every one to pass.
// It is side-effect free: callers decide what to do with a BLOCKED
// decision, the gate itself mutates nothing.
func (g *Gate) Evaluate(sandboxPath string, actionsPerformed []string, credential string) Decision {
	d := Decision{Details: make(map[string]any)}

	pass := func(name string) { d.ChecksPassed = append(d.ChecksPassed, name) }
	fail := func(name string) { d.ChecksFailed = append(d.ChecksFailed, name) }

	// 1. Secret scan. A scan that cannot complete fails closed: a tree we
	// cannot read cannot be certified secret-free.
	findings, err := g.scanner.ScanDir(sandboxPath)
	switch {
	case err != nil:
		fail(CheckSecretScan)
		d.Details["secret_scan_error"] = err.Error()
	case len(findings) > 0:
		fail(CheckSecretScan)
		d.Details["secret_findings"] = findings
	default:
		pass(CheckSecretScan)
	}

	// 2. Write limits. Enforcement happens at write time in the sandbox;
	// this check reports the accumulated stats and only fails if a write
	// bypassed the tracker upstream.
	stats := g.tracker.Stats()
	d.Details["write_stats"] = stats
	if v := statsViolation(stats, g.tracker.Limits()); v != "" {
		fail(CheckWriteLimits)
		d.Details["write_limit_bypass"] = v
	} else {
		pass(CheckWriteLimits)
	}

	// 3. Role scope.
	if violations := g.role.ScopeViolations(actionsPerformed); len(violations) > 0 {
		fail(CheckRoleScope)
		d.Details["scope_violations"] = violations
	} else {
		pass(CheckRoleScope)
	}

	// 4. Auth, only when the role requires review before promotion.
	if g.role.RequiresReview {
		switch {
		case credential == "":
			fail(CheckAuth)
			d.Details["auth_error"] = "authentication required"
		case g.auth == nil:
			fail(CheckAuth)
			d.Details["auth_error"] = "no authenticator configured for role"
		default:
			if err := g.auth.Verify(g.role, credential); err != nil {
				fail(CheckAuth)
				d.Details["auth_error"] = err.Error()
			} else {
				pass(CheckAuth)
			}
		}
	} else {
		pass(CheckAuth)
	}

	d.Approved = len(d.ChecksFailed) == 0
	return d
}

// statsViolation reports the first limit the accumulated stats exceed,
// or "" if none. Exceeding here means write-time enforcement was bypassed.
func statsViolation(s limits.Stats, l limits.WriteLimits) string {
	switch {
	case s.LargestFile > l.MaxFileSizeBytes:
		return fmt.Sprintf("largest file %d exceeds limit %d", s.LargestFile, l.MaxFileSizeBytes)
	case s.FilesCreated > l.MaxFilesCreated:
		return fmt.Sprintf("%d files created exceeds limit %d", s.FilesCreated, l.MaxFilesCreated)
	case s.FilesModified > l.MaxFilesModified:
		return fmt.Sprintf("%d files modified exceeds limit %d", s.FilesModified, l.MaxFilesModified)
	case s.TotalBytes > l.MaxTotalWriteBytes:
		return fmt.Sprintf("total volume %d exceeds limit %d", s.TotalBytes, l.MaxTotalWriteBytes)
	}
	return ""
}
