package services

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"

	"github.com/photosync/client/internal/config"
)

// fileFilter decides which files of an upload root are synced
type fileFilter struct {
	extensions   map[string]bool
	excludedExts map[string]bool
	files        *patternmatcher.PatternMatcher
	dirs         *patternmatcher.PatternMatcher
	maxSize      int64
}

func newFileFilter(props config.SourceProperties) (*fileFilter, error) {
	f := &fileFilter{
		extensions:   toSet(props.Extensions()),
		excludedExts: toSet(props.ExcludedExtensions()),
	}

	var err error
	if f.files, err = compilePatterns(props.ExcludedFiles()); err != nil {
		return nil, fmt.Errorf("%s: %w", config.KeyExcludedFiles, err)
	}
	if f.dirs, err = compilePatterns(props.ExcludedDirs()); err != nil {
		return nil, fmt.Errorf("%s: %w", config.KeyExcludedDirs, err)
	}
	if f.maxSize, err = props.MaxItemSize(); err != nil {
		return nil, err
	}
	return f, nil
}

func compilePatterns(patterns []string) (*patternmatcher.PatternMatcher, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	return patternmatcher.New(patterns)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// patterns are matched against the base name only
func matches(pm *patternmatcher.PatternMatcher, name string) bool {
	if pm == nil {
		return false
	}
	ok, err := pm.MatchesOrParentMatches(name)
	return err == nil && ok
}

// skipDir reports whether a directory and everything below it is excluded
func (f *fileFilter) skipDir(name string) bool {
	return matches(f.dirs, name)
}

// accept reports whether a regular file takes part in the sync
func (f *fileFilter) accept(name string, size int64) bool {
	if matches(f.files, name) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if f.excludedExts[ext] {
		return false
	}
	if len(f.extensions) > 0 && !f.extensions[ext] {
		return false
	}
	if f.maxSize > 0 && size > f.maxSize {
		return false
	}
	return true
}
