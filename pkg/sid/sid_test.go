package sid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_Deterministic(t *testing.T) {
	c := Components{
		ModelVersion: "M0",
		PromptHash:   "abc123",
		Seed:         "42",
		PatternID:    "sqli-basic",
	}

	first, err := Derive(c)
	require.NoError(t, err)
	second, err := Derive(c)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, Prefix))
	assert.Len(t, strings.TrimPrefix(first, Prefix), hexLen)
}

func TestDerive_SentinelCollidesWithLiteralSentinel(t *testing.T) {
	omitted := Components{ModelVersion: "M0"}
	literal := Components{ModelVersion: "M0", PromptHash: sentinel}

	omittedSID, err := Derive(omitted)
	require.NoError(t, err)
	literalSID, err := Derive(literal)
	require.NoError(t, err)

	assert.Equal(t, omittedSID, literalSID, "omitted fields and literal sentinel values must collide")
}

func TestDerive_DifferingFieldsYieldDifferentSIDs(t *testing.T) {
	a, err := Derive(Components{ModelVersion: "M0", Seed: "1"})
	require.NoError(t, err)
	b, err := Derive(Components{ModelVersion: "M0", Seed: "2"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDerive_MultiVulnFoldsSortedDigest(t *testing.T) {
	base := Components{ModelVersion: "M0"}
	withOrderA := base
	withOrderA.VulnIDs = []string{"CWE-89", "CWE-352"}
	withOrderB := base
	withOrderB.VulnIDs = []string{"CWE-352", "CWE-89"}

	a, err := Derive(withOrderA)
	require.NoError(t, err)
	b, err := Derive(withOrderB)
	require.NoError(t, err)

	assert.Equal(t, a, b, "vuln id ordering must not affect the SID")

	single, err := Derive(base)
	require.NoError(t, err)
	assert.NotEqual(t, a, single, "presence of vuln ids must change the SID")
}

func TestVulnIDsDigest_EmptyIsError(t *testing.T) {
	_, err := VulnIDsDigest(nil)
	assert.ErrorIs(t, err, ErrNoVulnID)
}
