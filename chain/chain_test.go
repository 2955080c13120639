package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSpamToken(t *testing.T) {
	cases := []struct {
		symbol, name string
		want         bool
	}{
		{"USDC", "USD Coin", false},
		{"CLAIM", "Visit claim-reward.io to redeem", true},
		{"FREE", "airdrop token", true},
		{"WETH", "Wrapped Ether", false},
		{"X", "visit https://scam.xyz now", true},
		{"TOK", "totally-legit.com bonus", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsSpamToken(c.symbol, c.name), "symbol=%q name=%q", c.symbol, c.name)
	}
}

func TestFilterSpamTokens(t *testing.T) {
	balances := []Balance{
		{Symbol: "USDC"},
		{Symbol: "CLAIM"},
		{Symbol: "WETH"},
	}
	names := []string{"USD Coin", "visit airdrop.xyz", "Wrapped Ether"}

	filtered := FilterSpamTokens(balances, names)
	assert.Len(t, filtered, 2)
	assert.Equal(t, "USDC", filtered[0].Symbol)
	assert.Equal(t, "WETH", filtered[1].Symbol)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabc123", NormalizeAddress("  0xABC123  "))
}

func TestTransferTopicConstant(t *testing.T) {
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferTopic)
}
