package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BraidSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// BraidSemVer is the semantic version of braid. Scripts read this file; do
// not rename it.
const BraidSemVer = "0.3.0"
