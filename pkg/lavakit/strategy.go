package lavakit

import (
	"math"
	"regexp"
)

// SelectionContext is the information a strategy may rank nodes by
// when a player needs one.
type SelectionContext struct {
	GuildID string

	// Endpoint is the voice gateway endpoint from the voice-server
	// fragment, when known. Region is derived from it unless set
	// explicitly.
	Endpoint string
	Region   string
}

var regionRe = regexp.MustCompile(`(?:vip-)?([a-z-]{1,15})\d{1,5}\.discord\.media`)

// VoiceRegion extracts the region name from a voice endpoint such as
// "rotterdam10001.discord.media". Empty when it cannot be determined.
func (c SelectionContext) VoiceRegion() string {
	if c.Region != "" {
		return c.Region
	}
	m := regionRe.FindStringSubmatch(c.Endpoint)
	if m == nil {
		return ""
	}
	return m[1]
}

// Strategy narrows a candidate node list. Strategies must be pure:
// same snapshot in, same subset out, no side effects. Returning an
// empty slice is allowed; the chain skips that strategy unless the
// pool runs in strict mode.
type Strategy func(nodes []*Node, ctx SelectionContext) []*Node

// PreferRegion keeps nodes declaring the session's voice region. With
// no region in the context it leaves the input unchanged.
func PreferRegion() Strategy {
	return func(nodes []*Node, ctx SelectionContext) []*Node {
		region := ctx.VoiceRegion()
		if region == "" {
			return nodes
		}
		var out []*Node
		for _, n := range nodes {
			for _, r := range n.Regions() {
				if r == region {
					out = append(out, n)
					break
				}
			}
		}
		return out
	}
}

// MaxPlayers drops nodes already carrying limit or more players.
func MaxPlayers(limit int) Strategy {
	return func(nodes []*Node, _ SelectionContext) []*Node {
		var out []*Node
		for _, n := range nodes {
			if n.PlayerCount() < limit {
				out = append(out, n)
			}
		}
		return out
	}
}

// LowestLoad keeps the nodes with the minimal weight. Nodes that have
// not reported stats yet all share a very high weight, so a fresh pool
// still balances evenly by registration order. Weights are snapshotted
// once per call: a stats frame landing mid-selection must not leave
// the min without a matching node.
func LowestLoad() Strategy {
	return func(nodes []*Node, _ SelectionContext) []*Node {
		weights := make([]float64, len(nodes))
		lowest := math.Inf(1)
		for i, n := range nodes {
			weights[i] = n.weight()
			if weights[i] < lowest {
				lowest = weights[i]
			}
		}
		var out []*Node
		for i, n := range nodes {
			if weights[i] == lowest {
				out = append(out, n)
			}
		}
		return out
	}
}

// DefaultStrategies is the chain used when the pool is not configured
// with its own: regional affinity first, then load.
func DefaultStrategies() []Strategy {
	return []Strategy{PreferRegion(), LowestLoad()}
}
