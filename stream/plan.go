package stream

import (
	"fmt"

	"fundingwatch/models"
)

// tickerTopic renders the public stream topic for one symbol.
func tickerTopic(symbol string) string {
	return fmt.Sprintf("tickers.%s", symbol)
}

// PlanSubscriptions splits the watchlist into per-connection topic groups.
// Bybit caps args per subscribe request, and keeping connections small keeps
// a reconnect blast radius small too. Symbols of different categories never
// share a connection because they live on different stream hosts.
func PlanSubscriptions(linear, inverse []string, maxTopics int) []models.SubscriptionPlan {
	if maxTopics <= 0 {
		maxTopics = 10
	}

	var plans []models.SubscriptionPlan
	idx := 0
	for _, group := range []struct {
		category models.SymbolCategory
		symbols  []string
	}{
		{models.CategoryLinear, linear},
		{models.CategoryInverse, inverse},
	} {
		for start := 0; start < len(group.symbols); start += maxTopics {
			end := start + maxTopics
			if end > len(group.symbols) {
				end = len(group.symbols)
			}
			chunk := make([]string, end-start)
			copy(chunk, group.symbols[start:end])
			plans = append(plans, models.SubscriptionPlan{
				Category:        group.category,
				ConnectionIndex: idx,
				Symbols:         chunk,
			})
			idx++
		}
	}
	return plans
}
