package chattypes

import "fmt"

// Credential declares which token an outbound call requires.
// Each call site states its requirement explicitly and the router enforces it.
type Credential int

// Credential requirements recognised by the request router.
const (
	CredentialNone          Credential = iota // No token is attached automatically
	CredentialAccount                         // Account token
	CredentialActiveSession                   // Token of the currently active session
	CredentialExplicit                        // Caller supplies the token itself
)

// String returns a short name for logging.
func (c Credential) String() string {
	switch c {
	case CredentialNone:
		return "none"
	case CredentialAccount:
		return "account"
	case CredentialActiveSession:
		return "active-session"
	case CredentialExplicit:
		return "explicit"
	default:
		return fmt.Sprintf("credential(%d)", int(c))
	}
}
