package emulatedclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderQuery_DefaultTemplateEscapesAndFormatsKey(t *testing.T) {
	fp := &Fingerprint{QueryEscapeHexCase: HexCaseUpper}
	require.NoError(t, fp.compileQueryTemplate())

	query, err := fp.RenderQuery(QueryVars{
		InfoHash: "\x01\x02",
		PeerID:   "-TS0001-abcdef012345",
		Port:     6881,
		Uploaded: 100,
		Left:     200,
		NumWant:  50,
		Key:      0xAB,
		Event:    "started",
	})
	require.NoError(t, err)

	assert.Contains(t, query, "info_hash=%01%02")
	assert.Contains(t, query, "peer_id=-TS0001-abcdef012345")
	assert.Contains(t, query, "port=6881")
	assert.Contains(t, query, "key=000000AB")
	assert.Contains(t, query, "event=started")
	assert.NotContains(t, query, "&ip=")
}

func TestRenderQuery_CustomTemplateOverridesShape(t *testing.T) {
	fp := &Fingerprint{QueryTemplate: "ih={{.InfoHash | urlEncode}}&custom=1"}
	require.NoError(t, fp.compileQueryTemplate())

	query, err := fp.RenderQuery(QueryVars{InfoHash: "ab"})
	require.NoError(t, err)
	assert.Equal(t, "ih=ab&custom=1", query)
}

func TestCompileQueryTemplate_RejectsMalformedTemplate(t *testing.T) {
	fp := &Fingerprint{QueryTemplate: "{{.Nope | notAFunction}}"}
	err := fp.compileQueryTemplate()
	require.Error(t, err)
}
