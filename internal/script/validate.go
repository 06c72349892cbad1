package script

import (
	"fmt"
	"net/url"
	"strings"
)

// validateBeforeRequestMutation checks the spec §4.4 isolation rules: URL
// must parse, header keys must be ASCII.
func validateBeforeRequestMutation(rawURL string, headers map[string]string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("script set an unparseable url %q: %w", rawURL, err)
	}
	for k := range headers {
		if !isASCII(k) {
			return fmt.Errorf("script set a non-ASCII header key %q", k)
		}
	}
	return nil
}

// validateFilename rejects a script-supplied filename containing a path
// separator, per spec §8's boundary behavior for new_filename.
func validateFilename(name string) error {
	if name == "" {
		return nil
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("script set new_filename %q containing a path separator", name)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
