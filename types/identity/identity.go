// Package identity provides the authenticated local user identity.
package identity

// Identity is the stable identity of the local user for the process
// lifetime, supplied by the authentication collaborator.
type Identity struct {
	UID         string
	DisplayName string
	PhotoURL    string
}
