// Package secrets detects and redacts credentials before text is persisted.
//
// Memory content and task failure messages pass through a Scrubber on the
// way to the store. Two engines are available: "regex", a small keyword
// gated rule set that runs in microseconds, and "gitleaks", which uses the
// full gitleaks default rule catalogue.
package secrets
