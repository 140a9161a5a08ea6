package model

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	for _, input := range []string{"critical", "CRITICAL", " Critical "} {
		sev, err := ParseSeverity(input)
		require.NoError(t, err)
		assert.Equal(t, SeverityCritical, sev)
	}
	_, err := ParseSeverity("urgent")
	require.Error(t, err)

	assert.True(t, SeverityHigh.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
}

func TestSeverityJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Severity{"s": SeverityHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"High"}`, string(b))

	var decoded struct{ S Severity }
	require.NoError(t, json.Unmarshal([]byte(`{"S":"medium"}`), &decoded))
	assert.Equal(t, SeverityMedium, decoded.S)
}

func TestValueParseAndCompare(t *testing.T) {
	max, err := ParseUint256("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	all := new(uint256.Int).SetAllOne()
	assert.True(t, max.Eq(all))

	_, err = ParseUint256("115792089237316195423570985008687907853269984665640564039457584007913129639936")
	require.Error(t, err, "2^256 must overflow")

	v := NumberValue(uint256.NewInt(42))
	n, ok := v.Number()
	require.True(t, ok)
	n.SetUint64(7)
	again, _ := v.Number()
	assert.Equal(t, uint64(42), again.Uint64(), "Number must return a copy")

	addr := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	av := AddressValue(addr)
	assert.False(t, av.IsNumber())
	assert.Equal(t, addr.Hex(), av.String())
	assert.True(t, av.Equal(AddressValue(addr)))
	assert.False(t, av.Equal(v))
}

func TestValueTextRoundTrip(t *testing.T) {
	fields := map[string]Value{
		"value": NumberValue(uint256.NewInt(1000)),
		"to":    AddressValue(common.HexToAddress("0x1111111111111111111111111111111111111111")),
	}
	b, err := json.Marshal(fields)
	require.NoError(t, err)

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, 2)
	assert.True(t, decoded["value"].Equal(fields["value"]))
	assert.True(t, decoded["to"].Equal(fields["to"]))
}

func TestAlertText(t *testing.T) {
	alert := Alert{Finding: Finding{Severity: SeverityCritical, Message: "Ownership Transferred!"}, Count: 1}
	assert.Equal(t, "[Critical] Ownership Transferred!", alert.Text())
	alert.Count = 3
	assert.Equal(t, "[Critical] Ownership Transferred! (x3)", alert.Text())
}
