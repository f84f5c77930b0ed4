package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/gitwithintent/gwi/core"
)

// Loader fetches candidate approvals for a run. The directory loader is
// the production implementation; the interface exists so a remote
// approval service can be swapped in without touching the gate.
type Loader interface {
	// Load returns the approved, schema-valid approvals targeting runID.
	// Unparseable or invalid files are skipped with a warning, never fatal.
	Load(ctx context.Context, runID string) ([]SignedApproval, error)
}

// DirectoryLoader reads signed approvals from *.json files in a
// well-known directory, conventionally .gwi/approvals/. The filesystem is
// the transport on purpose: humans pipe approvals through any VCS.
type DirectoryLoader struct {
	dir    string
	logger core.Logger
}

// NewDirectoryLoader creates a loader over the given directory.
func NewDirectoryLoader(dir string, logger core.Logger) *DirectoryLoader {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("gwi/approval")
		}
	}
	return &DirectoryLoader{dir: dir, logger: logger}
}

// Load scans the directory and returns approvals where the target run
// matches and the decision is approved. A missing directory yields an
// empty set; that is the normal state for runs nobody approved yet.
func (l *DirectoryLoader) Load(ctx context.Context, runID string) ([]SignedApproval, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError("approval.loader.Load", core.KindStore, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var approvals []SignedApproval
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			l.warn(ctx, "Skipping unreadable approval file", path, err)
			continue
		}

		var a SignedApproval
		if err := json.Unmarshal(data, &a); err != nil {
			l.warn(ctx, "Skipping unparseable approval file", path, err)
			continue
		}
		if err := a.Validate(); err != nil {
			l.warn(ctx, "Skipping schema-invalid approval file", path, err)
			continue
		}

		if a.Target.RunID != runID || a.Decision != DecisionApproved {
			continue
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}

func (l *DirectoryLoader) warn(ctx context.Context, msg, path string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.WarnWithContext(ctx, msg, map[string]interface{}{
		"path":  path,
		"error": err.Error(),
	})
}

var _ Loader = (*DirectoryLoader)(nil)
