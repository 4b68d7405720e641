// Package ranking orders clients for dispatch by their billing totals.
package ranking

import (
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Rank orders clients by total, highest first. Clients missing from totals
// count as zero. Equal totals keep their input order.
func Rank(clients []models.ClientID, totals map[models.ClientID]float64) []models.ClientID {
	out := make([]models.ClientID, len(clients))
	copy(out, clients)
	sort.SliceStable(out, func(i, j int) bool { return totals[out[i]] > totals[out[j]] })
	return out
}
