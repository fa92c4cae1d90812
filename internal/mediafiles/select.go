// Package mediafiles decides which downloaded files are the media payload.
package mediafiles

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Media container extensions (lowercase, with leading dot).
var mediaExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".webm": true,
}

var (
	seasonPattern = regexp.MustCompile(`(?i)(\bS\d+|\bseason\b)`)
	extrasPattern = regexp.MustCompile(`(?i)(extras|commentary)`)
)

// Select walks root depth-first in lexical order and returns the absolute
// paths of media files. For tv, only season directories are descended into
// and anything under an extras or commentary directory is skipped. Movies
// admit every directory.
func Select(root string, mediaType domain.MediaType) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root || admitDir(root, path, mediaType) {
				return nil
			}
			return filepath.SkipDir
		}
		if IsMedia(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// IsMedia reports whether path has a media container extension.
func IsMedia(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

func admitDir(root, path string, mediaType domain.MediaType) bool {
	if mediaType == domain.MediaMovie {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if extrasPattern.MatchString(rel) {
		return false
	}
	return seasonPattern.MatchString(filepath.Base(path))
}
