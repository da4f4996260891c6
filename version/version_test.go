package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	require.True(t, strings.HasPrefix(Version, BiadnetSemVer))
	require.EqualValues(t, 70001, P2PProtocol)
}
