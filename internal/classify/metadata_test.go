package classify

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMetadataAssignsDenseBitPositions(t *testing.T) {
	m := loadTestMetadata(t)

	assert.Equal(t, 4, m.Width) // get-line, port-443, h1, h2

	httpBit := m.BitFor(Hint{Block: "HTTP", Signature: "get-line"})
	httpsBit := m.BitFor(Hint{Block: "HTTPS", Signature: "port-443"})
	assert.GreaterOrEqual(t, httpBit, 0)
	assert.GreaterOrEqual(t, httpsBit, 0)
	assert.NotEqual(t, httpBit, httpsBit)

	assert.Equal(t, -1, m.BitFor(Hint{Block: "nope", Signature: "nope"}))
}

func TestLoadMetadataStandaloneFinalTaggedBitsets(t *testing.T) {
	m := loadTestMetadata(t)

	httpsBit := m.BitFor(Hint{Block: "HTTPS", Signature: "port-443"})
	assert.True(t, m.IsStandalone(httpsBit))
	assert.True(t, m.IsFinalSignature(httpsBit))

	h1Bit := m.BitFor(Hint{Block: "B", Signature: "h1"})
	assert.False(t, m.IsStandalone(h1Bit))
	assert.False(t, m.IsFinalSignature(h1Bit))
}

func TestLoadMetadataCompilesRuleMasks(t *testing.T) {
	m := loadTestMetadata(t)

	blockB := m.Block("B")
	require.NotNil(t, blockB)
	require.Len(t, blockB.Rules, 1)

	rule := blockB.Rules[0]
	h1Bit := m.BitFor(Hint{Block: "B", Signature: "h1"})
	h2Bit := m.BitFor(Hint{Block: "B", Signature: "h2"})

	assert.True(t, rule.IncludeMask.Test(h1Bit))
	assert.False(t, rule.IncludeMask.Test(h2Bit))
	assert.True(t, rule.ExcludeMask.Test(h2Bit))
}

func TestLoadMetadataRejectsUnknownSignatureReference(t *testing.T) {
	doc := `<ruleset>
  <block id="X">
    <signature id="s1"/>
    <rule>
      <include block="X" signature="missing"/>
    </rule>
  </block>
</ruleset>`
	_, err := LoadMetadata(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadMetadataFromFile(t *testing.T) {
	f, err := os.Open("testdata/ruleset.xml")
	require.NoError(t, err)
	defer f.Close()
	_, err = LoadMetadata(f)
	require.NoError(t, err)
}
