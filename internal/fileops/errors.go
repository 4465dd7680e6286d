package fileops

import "fmt"

// SecurityError marks a path that resolved outside its allowed root or a
// branch name that cannot safely become a path component. These abort the
// operation; they are never converted into build failures.
type SecurityError struct {
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation for %q: %s", e.Path, e.Reason)
}
