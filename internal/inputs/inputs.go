// Package inputs expands a mixed list of files and directories into a
// deduplicated, ordered list of source files.
package inputs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Expand resolves each entry of paths: a file is taken as-is, a directory
// contributes its matches for glob in sorted order, and a missing entry is
// reported in missing without failing the expansion. Order follows the
// input list; duplicates keep their first position.
func Expand(paths []string, glob string) (files []string, missing []string, err error) {
	seen := make(map[string]bool)

	add := func(p string) {
		key := p
		if abs, aerr := filepath.Abs(p); aerr == nil {
			key = abs
		}
		if seen[key] {
			return
		}
		seen[key] = true
		files = append(files, p)
	}

	for _, in := range paths {
		info, statErr := os.Stat(in)
		if statErr != nil {
			missing = append(missing, in)
			continue
		}
		if !info.IsDir() {
			add(in)
			continue
		}
		matches, gerr := filepath.Glob(filepath.Join(in, glob))
		if gerr != nil {
			return nil, nil, fmt.Errorf("inputs: bad glob %q: %w", glob, gerr)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if mi, merr := os.Stat(m); merr == nil && !mi.IsDir() {
				add(m)
			}
		}
	}
	return files, missing, nil
}
