package bootstrap

import (
	"regexp"
	"strings"

	apperrors "github.com/kokino/kokino/internal/common/errors"
)

// deniedFragments are substrings that disqualify a custom bootstrap script
// outright. Matching is case-insensitive on the whole command string.
var deniedFragments = []string{
	"rm -rf",
	"rm -fr",
	"sudo",
	"mkfs",
	"dd if=",
	"> /dev/",
	"wget",
	"curl http",
	"$(",
	"`",
}

// systemRedirect rejects redirects into system paths even when spaced
// differently than the deny-list fragments.
var systemRedirect = regexp.MustCompile(`>\s*/(dev|etc|sys|proc)(/|\s|$)`)

// ScreenScript checks a custom bootstrap command against the deny-list.
// A match refuses execution before any subprocess is started.
func ScreenScript(script string) error {
	lowered := strings.ToLower(script)
	for _, fragment := range deniedFragments {
		if strings.Contains(lowered, fragment) {
			return apperrors.BootstrapUnsafe("script contains forbidden sequence: " + fragment)
		}
	}
	if systemRedirect.MatchString(lowered) {
		return apperrors.BootstrapUnsafe("script redirects into a system path")
	}
	return nil
}
