package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/phased/internal/sanitize"
)

// resolveNamespace returns the --namespace flag, or a namespace derived from
// the project the working directory belongs to.
func resolveNamespace() (string, error) {
	if namespace != "" {
		if err := sanitize.ValidateNamespace(namespace); err != nil {
			return "", err
		}
		return namespace, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return defaultNamespace(wd)
}

// defaultNamespace names a namespace after the git worktree containing dir,
// so every subdirectory of a repository shares one namespace. Outside a
// repository dir itself is used.
func defaultNamespace(dir string) (string, error) {
	ns := sanitize.Identifier(filepath.Base(projectRoot(dir)))
	if err := sanitize.ValidateNamespace(ns); err != nil {
		return "", fmt.Errorf("cannot derive a namespace from %q, pass --namespace: %w", dir, err)
	}
	return ns, nil
}

// projectRoot returns the root of the git worktree containing dir, or dir
// when it is not inside one.
func projectRoot(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return dir
	}
	wt, err := repo.Worktree()
	if err != nil {
		return dir
	}
	return wt.Filesystem.Root()
}
