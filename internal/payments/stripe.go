package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/charge"

	"github.com/example/ride-dispatch/internal/models"
)

// chargeIter is the part of *charge.Iter the totals walk needs.
type chargeIter interface {
	Next() bool
	Charge() *stripe.Charge
	Err() error
}

// StripeTotals sums a client's settled Stripe charges into a billing total.
// Amounts are in the currency's minor unit and are reported in major units.
type StripeTotals struct {
	// CustomerFor maps a client to its Stripe customer id. Clients with no
	// customer have no billing.
	CustomerFor func(models.ClientID) (string, bool)

	list func(*stripe.ChargeListParams) chargeIter
}

// NewStripeTotals uses its own charge client so the package-level stripe.Key
// stays untouched.
func NewStripeTotals(apiKey string, customerFor func(models.ClientID) (string, bool)) *StripeTotals {
	c := &charge.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}
	return &StripeTotals{
		CustomerFor: customerFor,
		list:        func(p *stripe.ChargeListParams) chargeIter { return c.List(p) },
	}
}

// BillingTotals lists each client's charges and returns refunded-net totals of
// the succeeded ones.
func (s *StripeTotals) BillingTotals(ctx context.Context, clients []models.ClientID) (map[models.ClientID]float64, error) {
	totals := make(map[models.ClientID]float64, len(clients))
	for _, c := range clients {
		customer, ok := s.customer(c)
		if !ok {
			continue
		}
		params := &stripe.ChargeListParams{Customer: stripe.String(customer)}
		params.Context = ctx
		it := s.list(params)
		var cents int64
		for it.Next() {
			ch := it.Charge()
			if ch.Status != stripe.ChargeStatusSucceeded {
				continue
			}
			cents += ch.Amount - ch.AmountRefunded
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("stripe charges for %s: %w", c, err)
		}
		if cents != 0 {
			totals[c] = float64(cents) / 100
		}
	}
	return totals, nil
}

func (s *StripeTotals) customer(c models.ClientID) (string, bool) {
	if s.CustomerFor == nil {
		return string(c), true
	}
	return s.CustomerFor(c)
}
