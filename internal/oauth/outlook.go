package oauth

import (
	"encoding/json"
	"fmt"

	"github.com/prperemyshlev/mailbox-connections/internal/domain"
	"golang.org/x/oauth2"
)

// OutlookEndpoints returns Microsoft identity platform endpoints for a tenant ("common" for any account)
func OutlookEndpoints(tenant string) Endpoints {
	if tenant == "" {
		tenant = "common"
	}
	return Endpoints{
		AuthURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenant),
		TokenURL:    fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
		UserInfoURL: "https://graph.microsoft.com/v1.0/me",
	}
}

func NewOutlook(creds ClientCredentials, tenant string, opts ...Option) Provider {
	return newClientProvider(&clientProvider{
		name:      domain.ProviderOutlook,
		creds:     creds,
		endpoints: OutlookEndpoints(tenant),
		authStyle: oauth2.AuthStyleInParams,
		scopes: []string{
			"offline_access",
			"https://graph.microsoft.com/Mail.Read",
			"https://graph.microsoft.com/User.Read",
		},
		authOptions: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_mode", "query"),
		},
		parseEmail: parseGraphEmail,
	}, opts...)
}

// Graph leaves mail empty for some personal accounts; userPrincipalName is the sign-in address then
func parseGraphEmail(body []byte) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}
