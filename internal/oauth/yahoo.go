package oauth

import (
	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"golang.org/x/oauth2"
)

var YahooEndpoints = Endpoints{
	AuthURL:     "https://api.login.yahoo.com/oauth2/request_auth",
	TokenURL:    "https://api.login.yahoo.com/oauth2/get_token",
	UserInfoURL: "https://api.login.yahoo.com/openid/v1/userinfo",
}

// NewYahoo creates the Yahoo provider. Yahoo requires the client credentials in an HTTP Basic header.
func NewYahoo(creds ClientCredentials, opts ...Option) Provider {
	return newClientProvider(&clientProvider{
		name:       domain.ProviderYahoo,
		creds:      creds,
		endpoints:  YahooEndpoints,
		authStyle:  oauth2.AuthStyleInHeader,
		scopes:     []string{"openid", "email", "mail-r"},
		parseEmail: parseEmailField,
	}, opts...)
}
