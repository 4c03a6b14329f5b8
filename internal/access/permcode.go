package access

import (
	"fmt"
	"strings"
)

// NormalizePermCode lowercases a permission code and verifies it carries a
// recognised "<app>.<codename>" shape. appLabels is the configured set of
// accepted prefixes; an empty set accepts any prefix.
func NormalizePermCode(code string, appLabels []string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "", fmt.Errorf("%w: empty permission code", ErrInvalidInput)
	}
	app, codename, ok := strings.Cut(code, ".")
	if !ok || app == "" || codename == "" {
		return "", fmt.Errorf("%w: permission code %q lacks an app prefix", ErrInvalidInput, code)
	}
	if len(appLabels) > 0 {
		found := false
		for _, label := range appLabels {
			if app == label {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("%w: unrecognised app label %q in %q", ErrInvalidInput, app, code)
		}
	}
	return code, nil
}

// ViewAllPerm returns the blanket read permission code for an entity type,
// e.g. "factor.view_all".
func ViewAllPerm(entity EntityType) string {
	return strings.ToLower(string(entity)) + ".view_all"
}
