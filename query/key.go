package query

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// KeySeparator joins the parts of a composite key.
const KeySeparator = "|"

func validateKey(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidKey, "empty key")
	}
	return nil
}

// Key joins parts into a single cache key. Order is significant. Parts must be
// non-empty and must not contain KeySeparator.
func Key(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", errors.Wrap(ErrInvalidKey, "no key parts")
	}
	for i, p := range parts {
		if p == "" {
			return "", errors.Wrapf(ErrInvalidKey, "key part %d is empty", i)
		}
		if strings.Contains(p, KeySeparator) {
			return "", errors.Wrapf(ErrInvalidKey, "key part %q contains %q", p, KeySeparator)
		}
	}
	return strings.Join(parts, KeySeparator), nil
}
