package requirement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SingleVuln(t *testing.T) {
	req := Requirement{VulnID: "cwe-89", Language: "python"}
	norm, err := Normalize(req, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"CWE-89"}, norm.EffectiveVulnIDs)
	assert.False(t, norm.MultiVuln)
	assert.Len(t, norm.Bundles, 1)
	assert.Equal(t, "app", norm.Bundles[0].WorkspaceSubdir)
	assert.Equal(t, "cwe-89", norm.Bundles[0].Slug)
}

func TestNormalize_MultiVulnDisabledIgnoresExtras(t *testing.T) {
	req := Requirement{VulnIDs: []string{"CWE-89", "CWE-352"}}
	norm, err := Normalize(req, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"CWE-89"}, norm.Requirement.VulnIDs, "single-vuln plans must carry only the first vuln id")
	assert.Equal(t, []string{"CWE-352"}, norm.IgnoredVulnIDs)
	assert.Len(t, norm.Warnings, 1)
}

func TestNormalize_MultiVulnOptInFansOut(t *testing.T) {
	req := Requirement{VulnIDs: []string{"CWE-89", "CWE-352"}, MultiVuln: true}
	norm, err := Normalize(req, false)
	require.NoError(t, err)

	assert.True(t, norm.MultiVuln)
	assert.Len(t, norm.Bundles, 2)
	assert.Equal(t, "app/cwe-89", norm.Bundles[0].WorkspaceSubdir)
	assert.Equal(t, "app/cwe-352", norm.Bundles[1].WorkspaceSubdir)
	assert.NotEmpty(t, norm.VulnIDsDigest)
}

func TestNormalize_NoVulnIDIsError(t *testing.T) {
	_, err := Normalize(Requirement{}, false)
	assert.ErrorIs(t, err, ErrNoVulnID)
}

func TestNormalize_PrimaryVulnIDMovedToFront(t *testing.T) {
	req := Requirement{VulnID: "CWE-352", VulnIDs: []string{"CWE-89", "CWE-352"}, MultiVuln: true}
	norm, err := Normalize(req, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"CWE-352", "CWE-89"}, norm.EffectiveVulnIDs)
}

func TestSlugifyVulnID(t *testing.T) {
	assert.Equal(t, "cwe-89", SlugifyVulnID("CWE-89"))
	assert.Equal(t, "vuln", SlugifyVulnID("***"))
}

func TestNormalizeVariationKey_Defaults(t *testing.T) {
	v := NormalizeVariationKey(nil, 7)
	assert.Equal(t, ModeDeterministic, v.Mode)
	assert.Equal(t, 0.0, v.Temperature)
	assert.Equal(t, 1.0, v.TopP)
	assert.Equal(t, 1, v.SelfConsistencyK)
	assert.Equal(t, 7, v.PatternPoolSeed)
}

func TestNormalizeVariationKey_DiverseDefaults(t *testing.T) {
	v := NormalizeVariationKey(map[string]any{"mode": "diverse"}, 0)
	assert.Equal(t, ModeDiverse, v.Mode)
	assert.Equal(t, 0.7, v.Temperature)
	assert.Equal(t, 0.95, v.TopP)
	assert.Equal(t, 5, v.SelfConsistencyK)
}

func TestNormalizeVariationKey_SelfConsistencyKFloor(t *testing.T) {
	v := NormalizeVariationKey(map[string]any{"self_consistency_k": 0}, 0)
	assert.Equal(t, 1, v.SelfConsistencyK)
}

func TestManifest_ParseManifestStrict_RejectsUnknownField(t *testing.T) {
	_, err := ParseManifestStrict([]byte(`{"intent":"x","bogus_field":1}`))
	assert.Error(t, err)
}

func TestManifest_FileEntry_DefaultsToPlainEncoding(t *testing.T) {
	f := FileEntry{Path: "app.py", Content: "print(1)"}
	assert.Equal(t, EncodingPlain, f.ResolvedEncoding())
	assert.True(t, f.Valid())
}

func TestManifest_FileEntry_RejectsUnknownEncoding(t *testing.T) {
	f := FileEntry{Path: "app.py", Encoding: "rot13"}
	assert.False(t, f.Valid())
}
