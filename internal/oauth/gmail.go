package oauth

import (
	"encoding/json"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"golang.org/x/oauth2"
)

// GmailEndpoints are Google's production OAuth endpoints
var GmailEndpoints = Endpoints{
	AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:    "https://oauth2.googleapis.com/token",
	UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
}

// NewGmail creates the Gmail provider. Offline access with forced consent makes Google issue a refresh token.
func NewGmail(creds ClientCredentials, opts ...Option) Provider {
	return newClientProvider(&clientProvider{
		name:      domain.ProviderGmail,
		creds:     creds,
		endpoints: GmailEndpoints,
		authStyle: oauth2.AuthStyleInParams,
		scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		authOptions: []oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
		parseEmail: parseEmailField,
	}, opts...)
}

func parseEmailField(body []byte) (string, error) {
	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	return info.Email, nil
}
