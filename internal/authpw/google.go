package authpw

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

// GoogleVerifier validates Google Sign-In ID tokens against the configured
// OAuth client ID.
type GoogleVerifier struct {
	audience string
}

func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{audience: clientID}
}

// Verify checks the credential's signature, audience, and expiry with
// Google's public keys and extracts the attested profile.
func (v *GoogleVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	payload, err := idtoken.Validate(ctx, credential, v.audience)
	if err != nil {
		return Identity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if email == "" || !verified {
		return Identity{}, errors.New("google account email not verified")
	}
	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return Identity{Email: email, Name: name, Picture: picture}, nil
}
