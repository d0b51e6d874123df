package build

// DeploymentType selects between development and production builds.
type DeploymentType byte

const (
	// Development builds may log to stdout from unit tests.
	Development DeploymentType = iota

	// Production builds only log through the shared backend.
	Production
)

// String returns a human readable name for a deployment type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// IsProdBuild returns true if this is a production build.
func IsProdBuild() bool {
	return Deployment == Production
}
