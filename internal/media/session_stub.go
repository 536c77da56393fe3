//go:build !linux

package media

// NewSession creates a platform media session. Only Linux has an MPRIS
// implementation; everywhere else integration is disabled.
func NewSession() (Session, error) {
	return NewNoOpSession(), nil
}
