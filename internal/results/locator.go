// Package results finds the result directory an instrument run produced and
// packages it as a zip archive for download.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
	"github.com/Iron-Ham/apxctrl/internal/logging"
)

// Match is the directory selected for a prefix.
type Match struct {
	Path       string
	Name       string
	ModTime    time.Time
	Candidates int
	Warnings   []string
}

// Locator resolves path prefixes to result directories.
type Locator struct {
	logger *logging.Logger
}

// NewLocator returns a Locator. A nil logger discards output.
func NewLocator(logger *logging.Logger) *Locator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Locator{logger: logger.WithComponent("results")}
}

// Locate splits prefix into a parent directory and a name prefix, and
// returns the directory in parent whose name starts with the name prefix.
// When several match, the most recently modified wins (ties broken by the
// lexically greatest name) and the ambiguity is reported as a warning.
func (l *Locator) Locate(prefix string) (Match, error) {
	if strings.TrimSpace(prefix) == "" {
		return Match{}, apxerrors.NewValidationError("result path prefix is required").WithField("path_prefix")
	}

	parent, namePrefix := filepath.Split(filepath.Clean(prefix))
	if parent == "" {
		parent = "."
	}
	parent = filepath.Clean(parent)
	if namePrefix == "" || namePrefix == "." || namePrefix == string(filepath.Separator) {
		return Match{}, apxerrors.NewValidationError("result path prefix must end in a name").
			WithField("path_prefix").WithValue(prefix)
	}

	info, err := os.Stat(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return Match{}, apxerrors.NewNotFoundError("parent directory", parent).WithCause(err)
		}
		return Match{}, apxerrors.NewIOError("stat parent directory", parent, err)
	}
	if !info.IsDir() {
		return Match{}, apxerrors.NewValidationError("parent is not a directory").
			WithField("path_prefix").WithValue(parent)
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		return Match{}, apxerrors.NewIOError("list parent directory", parent, err)
	}

	var candidates []Match
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), namePrefix) {
			continue
		}
		// Stat follows symlinks so a linked result directory still matches.
		fi, err := os.Stat(filepath.Join(parent, e.Name()))
		if err != nil || !fi.IsDir() {
			continue
		}
		candidates = append(candidates, Match{
			Path:    filepath.Join(parent, e.Name()),
			Name:    e.Name(),
			ModTime: fi.ModTime(),
		})
	}

	if len(candidates) == 0 {
		return Match{}, apxerrors.NewNotFoundError("result directory matching", prefix+"*")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].ModTime.After(candidates[j].ModTime)
		}
		return candidates[i].Name > candidates[j].Name
	})

	best := candidates[0]
	best.Candidates = len(candidates)
	if len(candidates) > 1 {
		msg := fmt.Sprintf("%d directories match %q; using most recent %q", len(candidates), namePrefix, best.Name)
		l.logger.Warn("ambiguous result prefix", "prefix", prefix, "matches", len(candidates), "selected", best.Name)
		best.Warnings = append(best.Warnings, msg)
	}
	return best, nil
}
