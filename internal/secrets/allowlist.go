package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allow list errors.
var (
	ErrInvalidTOML  = errors.New("invalid allow list file")
	ErrInvalidRegex = errors.New("invalid allow list pattern")
)

// LoadAllowList reads the [allowlist] section of gitleaks-style TOML files
// and returns their patterns in order, ready for Config.AllowList. Stopwords
// are matched literally. Missing files are skipped; an empty path is
// ignored.
//
//	[allowlist]
//	regexes = ['''EXAMPLE[A-Z0-9]*''']
//	stopwords = ["dummy-token"]
func LoadAllowList(paths ...string) ([]string, error) {
	var patterns []string
	for _, path := range paths {
		if path == "" {
			continue
		}
		p, err := loadAllowListFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, p...)
	}
	return patterns, nil
}

func loadAllowListFile(path string) ([]string, error) {
	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			Stopwords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	patterns := make([]string, 0, len(doc.Allowlist.Regexes)+len(doc.Allowlist.Stopwords))
	for _, re := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(re); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, re, path, err)
		}
		patterns = append(patterns, re)
	}
	for _, w := range doc.Allowlist.Stopwords {
		patterns = append(patterns, regexp.QuoteMeta(w))
	}
	return patterns, nil
}
