package classify

import "regexp"

var deprecationNotice = regexp.MustCompile(
	`(?i)(deprecat(ed|ion)|will be retired|will be removed in a future|is obsolete)`)

// IsDeprecationNotice reports whether message is a benign deprecation
// notice. The classifier and the execution engine's error stream filter
// both call this so they cannot disagree.
func IsDeprecationNotice(message string) bool {
	return message != "" && deprecationNotice.MatchString(message)
}
