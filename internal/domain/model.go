package domain

import "context"

// Account is an upstream credential handle. Token refresh and persistence
// live outside the bridge; by the time an Account reaches the transport its
// AccessToken is ready to use.
type Account struct {
	ID          string
	ProjectID   string
	AccessToken string
}

// AccountPicker is the external account-selection policy. The bridge only
// consumes its contract: give me a usable account that is not in excluded.
type AccountPicker interface {
	Pick(ctx context.Context, excluded map[string]bool) (*Account, error)

	// MarkRateLimited tells the scheduler to keep the account out of
	// rotation for the given number of seconds.
	MarkRateLimited(accountID string, seconds int)
}
