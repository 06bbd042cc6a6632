package core

import "time"

// MonthSummary aggregates every allocation for one month. UnallocatedFunds
// is the month's income that has not been funded into any envelope yet.
type MonthSummary struct {
	Month            time.Time
	Allocated        Money
	Available        Money
	Spent            Money
	Balance          Money
	UnallocatedFunds Money
}
