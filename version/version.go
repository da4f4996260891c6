package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = BiadnetSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// BiadnetSemVer is the current version of biadnet.
	// It's the Semantic Version of the software.
	BiadnetSemVer = "0.1.0"

	// P2PProtocol is the highest Bitcoin wire protocol version spoken.
	P2PProtocol uint32 = 70001
)
