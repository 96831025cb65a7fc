package domain

import "strings"

type PrincipalKind string

const (
	PrincipalAccount PrincipalKind = "account"
	PrincipalEndUser PrincipalKind = "end-user"
)

// Principal is the requester of a task: either an authenticated account or an
// anonymous end user of a published app. The zero value means "no principal".
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

func Account(id string) Principal {
	return Principal{Kind: PrincipalAccount, ID: id}
}

func EndUser(id string) Principal {
	return Principal{Kind: PrincipalEndUser, ID: id}
}

func (p Principal) Valid() bool {
	if strings.TrimSpace(p.ID) == "" {
		return false
	}
	return p.Kind == PrincipalAccount || p.Kind == PrincipalEndUser
}

// ChannelFragment renders "<kind>-<id>", the principal part of channel and
// stop-flag names.
func (p Principal) ChannelFragment() string {
	return string(p.Kind) + "-" + p.ID
}

// CreatedByRole is the attribution role stored on agent thoughts and dataset
// queries.
func (p Principal) CreatedByRole() string {
	if p.Kind == PrincipalAccount {
		return "account"
	}
	return "end_user"
}

// FromSource is "console" for accounts and "api" for end users.
func (p Principal) FromSource() string {
	if p.Kind == PrincipalAccount {
		return "console"
	}
	return "api"
}

func (p Principal) AccountID() *string {
	if p.Kind != PrincipalAccount {
		return nil
	}
	id := p.ID
	return &id
}

func (p Principal) EndUserID() *string {
	if p.Kind != PrincipalEndUser {
		return nil
	}
	id := p.ID
	return &id
}
