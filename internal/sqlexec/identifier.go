package sqlexec

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the SQL Server limit for a single name part.
const MaxIdentifierLength = 128

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier checks that name can be safely bracket-quoted into
// dynamic SQL. Identifiers cannot be bound as parameters, so this is the
// only thing standing between catalog data and the statement text.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q is %d characters (max %d)", ErrInvalidIdentifier, name, len(name), MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// QuoteName validates each part and joins them as [a].[b].[c].
func QuoteName(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no name parts", ErrInvalidIdentifier)
	}

	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		if err := ValidateIdentifier(p); err != nil {
			return "", err
		}
		quoted = append(quoted, "["+p+"]")
	}
	return strings.Join(quoted, "."), nil
}
