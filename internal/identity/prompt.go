// ABOUTME: Builds the one-shot association prompt posted to unlinked senders
// ABOUTME: Mints a link token and renders the account-linking URL

package identity

import (
	"fmt"
	"net/url"
	"strings"
)

// Prompter renders association prompts containing a signed link URL.
type Prompter struct {
	issuer  *TokenIssuer
	baseURL string
}

// NewPrompter creates a prompter. baseURL is the externally reachable
// account-linking endpoint, e.g. https://tether.example.com/link.
func NewPrompter(issuer *TokenIssuer, baseURL string) *Prompter {
	return &Prompter{
		issuer:  issuer,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// LinkURL mints a token for the external account and returns the full link URL.
func (p *Prompter) LinkURL(claims LinkClaims) (string, error) {
	token, err := p.issuer.Mint(claims)
	if err != nil {
		return "", fmt.Errorf("minting link token: %w", err)
	}
	return p.baseURL + "?token=" + url.QueryEscape(token), nil
}

// Prompt returns the message posted back to an unlinked sender.
func (p *Prompter) Prompt(claims LinkClaims) (string, error) {
	linkURL, err := p.LinkURL(claims)
	if err != nil {
		return "", err
	}

	name := claims.ExternalUserName
	if name == "" {
		name = claims.ExternalUserID
	}
	return fmt.Sprintf(
		"Hi %s! Your account isn't linked yet. Visit %s to connect it, then send your message again.",
		name, linkURL,
	), nil
}
