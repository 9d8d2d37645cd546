package types

// AccountUser is an account resolved by the account store.
type AccountUser struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AccountGroup is a named set of accounts.
type AccountGroup struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// Actors is the set of accounts and groups eligible to act on a step.
type Actors struct {
	Users  []AccountUser  `json:"users"`
	Groups []AccountGroup `json:"groups"`
}

// Empty reports whether no user was resolved.
func (a Actors) Empty() bool {
	return len(a.Users) == 0
}
