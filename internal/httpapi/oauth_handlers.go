package httpapi

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"idgate.io/internal/audit"
	"idgate.io/internal/oauth"
	"idgate.io/internal/obs"
)

// loginPage is the minimal hosted login step. The authorize parameters ride
// along as hidden fields so the POST can re-validate the full request.
var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to {{.ClientName}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="response_type" value="{{.ResponseType}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<label>Username <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

type loginPageData struct {
	ClientName string
	Error      string
	oauth.AuthorizeRequest
}

func authorizeRequestFromValues(v url.Values) oauth.AuthorizeRequest {
	return oauth.AuthorizeRequest{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// handleAuthorize validates the front-channel request and renders the login
// form. Client identity failures never redirect; once the client and redirect
// URI check out, remaining errors go back to the client via the redirect URI.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	req := authorizeRequestFromValues(r.URL.Query())
	client, err := a.svc.ValidateAuthorizeRequest(r.Context(), req)
	if err != nil {
		a.authorizeError(w, r, req, err)
		return
	}
	a.renderLogin(w, http.StatusOK, loginPageData{ClientName: client.Name, AuthorizeRequest: req})
}

// handleLogin authenticates the resource owner and redirects back with a
// fresh authorization code. Bad credentials re-render the form; the request
// parameters are re-validated because the form round-trip is untrusted.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, oauth.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	req := authorizeRequestFromValues(r.PostForm)
	client, err := a.svc.ValidateAuthorizeRequest(r.Context(), req)
	if err != nil {
		a.authorizeError(w, r, req, err)
		return
	}
	user, err := a.svc.Authenticate(r.Context(), r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		_ = audit.LogEvent(r.Context(), "login_failed", map[string]any{
			"client_id": client.ID,
		})
		a.renderLogin(w, http.StatusUnauthorized, loginPageData{
			ClientName:       client.Name,
			Error:            "Invalid username or password.",
			AuthorizeRequest: req,
		})
		return
	}
	code, err := a.svc.IssueCode(r.Context(), client, user, req.RedirectURI, req.Scope, req.CodeChallenge)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "code_issued", map[string]any{
		"client_id": client.ID,
		"user_id":   user.ID,
	})
	redirect := req.RedirectURI + "?" + url.Values{
		"code":  {code},
		"state": {req.State},
	}.Encode()
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *API) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = loginPage.Execute(w, data)
}

// authorizeError decides between rendering the error locally and bouncing it
// back to the client. Redirecting on an unverified redirect_uri would turn
// the endpoint into an open redirector, so client identity errors stay here.
func (a *API) authorizeError(w http.ResponseWriter, r *http.Request, req oauth.AuthorizeRequest, err error) {
	oe := oauth.AsError(err)
	switch oe.Code {
	case "invalid_client", "invalid_request", "server_error":
		writeOAuthError(w, r, err)
		return
	}
	v := url.Values{"error": {oe.Code}}
	if oe.Description != "" {
		v.Set("error_description", oe.Description)
	}
	if req.State != "" {
		v.Set("state", req.State)
	}
	http.Redirect(w, r, req.RedirectURI+"?"+v.Encode(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// handleToken serves the authorization_code and refresh_token grants.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, oauth.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	grant := r.PostFormValue("grant_type")

	var (
		set oauth.TokenSet
		err error
	)
	switch grant {
	case oauth.GrantAuthorizationCode:
		set, err = a.svc.ExchangeCode(r.Context(), oauth.CodeExchangeRequest{
			Code:         r.PostFormValue("code"),
			ClientID:     r.PostFormValue("client_id"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
		})
	case oauth.GrantRefreshToken:
		set, err = a.svc.Refresh(r.Context(), r.PostFormValue("refresh_token"))
	default:
		err = oauth.ErrUnsupportedGrantType.WithDescription("grant_type must be %q or %q",
			oauth.GrantAuthorizationCode, oauth.GrantRefreshToken)
	}
	if err != nil {
		oe := oauth.AsError(err)
		obs.TokenError(oe.Code)
		_ = audit.LogEvent(r.Context(), "token_denied", map[string]any{
			"grant": grant,
			"error": oe.Code,
		})
		writeOAuthError(w, r, err)
		return
	}
	obs.TokenIssued(grant)
	_ = audit.LogEvent(r.Context(), "token_issued", map[string]any{
		"grant":     grant,
		"client_id": r.PostFormValue("client_id"),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		Scope:        set.Scope,
	})
}

// handleUserInfo serves the OpenID userinfo claims for a valid access token.
// The audience check is skipped here; a token from any registered client is
// acceptable as long as it carries the openid scope.
func (a *API) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, "GET, POST")
		return
	}
	token, err := extractBearerToken(r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	claims, err := a.verifier.Verify(token, "", "openid")
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	ctx := oauth.ContextWithClaims(r.Context(), claims)
	info, err := a.svc.UserInfo(ctx, claims)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRevoke invalidates a refresh token. Unknown tokens report
// revoked=false rather than an error, so the endpoint leaks nothing about
// which tokens exist.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, r, oauth.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, r, oauth.ErrInvalidRequest.WithDescription("token is required"))
		return
	}
	revoked, err := a.svc.Revoke(r.Context(), token)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	if revoked {
		_ = audit.LogEvent(r.Context(), "token_revoked", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func extractBearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", oauth.ErrInvalidToken.WithDescription("missing bearer token")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", oauth.ErrInvalidToken.WithDescription("malformed authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
