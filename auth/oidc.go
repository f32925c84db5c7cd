package auth

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/meridian-social/meridian-chat/config"
	"github.com/meridian-social/meridian-chat/globals"
)

// OIDCVerifier verifies a given OIDC ID-Token using the configured OIDC
// providers. The user id is taken from the "email" claim (falling back to
// "sub"), the username from "preferred_username".
type OIDCVerifier struct {
	configs []config.OIDCConfig
}

func NewOIDCVerifier(configs []config.OIDCConfig) *OIDCVerifier {
	return &OIDCVerifier{configs: configs}
}

func (v *OIDCVerifier) Verify(ctx context.Context, idToken string) (Identity, error) {
	if idToken == "" || len(v.configs) == 0 {
		return Identity{}, ErrAuthentication
	}
	for i := range v.configs {
		oidcConf := &v.configs[i]
		provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
		if err != nil {
			globals.AppLogger.Error("could not discover oidc provider", "provider", oidcConf.Name, "error", err)
			continue
		}
		conf := oidc.Config{}
		if oidcConf.ClientId == "" {
			conf.SkipClientIDCheck = true
		} else {
			conf.ClientID = oidcConf.ClientId
		}
		verifiedIdToken, err := provider.Verifier(&conf).Verify(ctx, idToken)
		if err != nil {
			globals.AppLogger.Debug("token not accepted by provider", "provider", oidcConf.Name, "error", err)
			continue
		}
		claims := struct {
			Subject           string `json:"sub"`
			Email             string `json:"email"`
			PreferredUsername string `json:"preferred_username"`
		}{}
		if err := verifiedIdToken.Claims(&claims); err != nil {
			return Identity{}, ErrAuthentication
		}
		userId := claims.Email
		if userId == "" {
			userId = claims.Subject
		}
		username := claims.PreferredUsername
		if username == "" {
			username = userId
		}
		if userId != "" {
			return Identity{UserID: userId, Username: username}, nil
		}
	}
	return Identity{}, ErrAuthentication
}
