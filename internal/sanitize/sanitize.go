// Package sanitize cleans hostile filenames before they touch the filesystem.
//
// File hosts hand back attacker-controlled names, so everything that could
// escape the target directory or break a filesystem is stripped: traversal
// sequences, path separators, illegal characters, NUL bytes, and names over
// 255 characters.
package sanitize

import (
	"regexp"
	"strings"
)

const maxFilenameLen = 255

var (
	traversalWindows = regexp.MustCompile(`\\+\.{1,2}`)
	traversalUnix    = regexp.MustCompile(`/\.{1,2}`)
	absoluteWindows  = regexp.MustCompile(`^[A-Za-z]:\\`)
	invalidChars     = regexp.MustCompile(`[:*?"<>|]`)
)

// Filename returns a name safe to join to a download directory.
// Valid plain names pass through unchanged.
func Filename(name string) string {
	if name == "" {
		return ""
	}

	name = strings.ReplaceAll(name, "\x00", "")

	if absoluteWindows.MatchString(name) {
		name = name[2:]
	}

	name = traversalWindows.ReplaceAllString(name, "_")
	name = traversalUnix.ReplaceAllString(name, "_")

	// Remaining separators become underscores so nothing can escape the
	// target directory.
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")

	name = invalidChars.ReplaceAllString(name, "_")

	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}

	// A bare dot name would resolve to a directory, not a file.
	if name == "." || name == ".." {
		return "_"
	}

	return name
}
