package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxIdentityLen is the platform limit for environment resource names.
const maxIdentityLen = 63

// DeriveIdentity computes the environment identity for a project. It is a
// pure function: the same inputs always produce the same identity, so ensure
// can be retried without a lookup.
//
// A sanitizable slug is used directly; otherwise the identity falls back to
// prefix + first 8 hex chars of sha256(projectID).
func DeriveIdentity(projectID, slug, prefix string) string {
	if s, ok := SanitizeSlug(slug); ok {
		return s
	}
	sum := sha256.Sum256([]byte(projectID))
	return prefix + hex.EncodeToString(sum[:])[:8]
}

// SanitizeSlug lowercases a slug and maps it into resource-name rules:
// lowercase letters, digits and hyphens, starting and ending alphanumeric,
// at most 63 characters. Returns false when nothing usable remains.
func SanitizeSlug(slug string) (string, bool) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", false
	}

	var b strings.Builder
	lastHyphen := false
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			// Runs of invalid characters collapse into one hyphen.
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	s := strings.Trim(b.String(), "-")
	if len(s) > maxIdentityLen {
		s = strings.Trim(s[:maxIdentityLen], "-")
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// PreviewAddress builds the externally reachable address for an environment.
// Pure string template; no network call.
func PreviewAddress(scheme, identity, baseDomain string) string {
	return scheme + "://" + identity + "." + baseDomain + "/"
}
