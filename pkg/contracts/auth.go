// Package contracts — identity boundary.
//
// The identity provider is external to the core: it issues a stable user
// id, an optional org id, and a verified email. The API middleware turns a
// verified token (or trusted headers behind the web tier) into an Identity;
// handlers never learn how the caller authenticated.
package contracts

// Identity is the authenticated caller of a control-plane operation.
type Identity struct {
	// UserID is the identity provider's stable user identifier.
	UserID string `json:"user_id"`

	// OrgID scopes organizational projects; empty for personal accounts.
	OrgID string `json:"org_id,omitempty"`

	// Email is the provider-verified address.
	Email string `json:"email,omitempty"`
}

// CanAccessProject reports whether the identity may operate on a project
// created by createdBy in org orgID: creators always may, org members may
// when the project is organizational.
func (id *Identity) CanAccessProject(createdBy, orgID string) bool {
	if id == nil {
		return false
	}
	if id.UserID == createdBy {
		return true
	}
	return orgID != "" && id.OrgID == orgID
}
