package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"example.com/coaching/internal/domain"
)

// Config holds the identity provider connection settings.
type Config struct {
	// BaseURL is the GoTrue root, e.g. https://project.supabase.co/auth/v1.
	BaseURL string
	// ServiceKey is the service-role key used for admin calls.
	ServiceKey string
	Timeout    time.Duration
}

// Provider implements domain.IdentityProvider against the GoTrue admin API.
type Provider struct {
	rest *restClient
}

var _ domain.IdentityProvider = (*Provider)(nil)

// NewProvider builds a Provider whose requests carry the service key as a
// bearer token.
func NewProvider(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("identity base URL is required")
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.New("identity service key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing identity base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.ServiceKey, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(context.Background(), source)
	httpClient.Timeout = timeout

	return &Provider{rest: newRESTClient(base, cfg.ServiceKey, httpClient)}, nil
}

type user struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	LastSignInAt *time.Time     `json:"last_sign_in_at"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u user) account() *domain.AuthAccount {
	return &domain.AuthAccount{
		ID:           u.ID,
		Email:        u.Email,
		LastSignInAt: u.LastSignInAt,
		Metadata:     u.UserMetadata,
	}
}

// InviteUser creates the account and sends the invitation email.
func (p *Provider) InviteUser(ctx context.Context, email, redirectTo string, metadata map[string]any) (*domain.AuthAccount, error) {
	req, err := p.rest.newRequest(ctx, http.MethodPost, "invite", redirectQuery(redirectTo), map[string]any{
		"email": email,
		"data":  metadata,
	})
	if err != nil {
		return nil, err
	}

	var created user
	if err := p.rest.do(req, &created); err != nil {
		return nil, fmt.Errorf("invite %s: %w", email, err)
	}
	if created.ID == "" {
		return nil, errors.New("identity provider returned no account id")
	}
	return created.account(), nil
}

// GetUser returns domain.ErrAccountNotFound when the account no longer exists.
func (p *Provider) GetUser(ctx context.Context, accountID string) (*domain.AuthAccount, error) {
	req, err := p.rest.newRequest(ctx, http.MethodGet, "admin/users/"+url.PathEscape(accountID), nil, nil)
	if err != nil {
		return nil, err
	}

	var found user
	if err := p.rest.do(req, &found); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	if found.ID == "" {
		return nil, domain.ErrAccountNotFound
	}
	return found.account(), nil
}

// UpdateUserMetadata replaces the account's user metadata.
func (p *Provider) UpdateUserMetadata(ctx context.Context, accountID string, metadata map[string]any) error {
	req, err := p.rest.newRequest(ctx, http.MethodPut, "admin/users/"+url.PathEscape(accountID), nil, map[string]any{
		"user_metadata": metadata,
	})
	if err != nil {
		return err
	}
	if err := p.rest.do(req, nil); err != nil {
		return fmt.Errorf("update account %s: %w", accountID, err)
	}
	return nil
}

// SendPasswordReset emails a set-password link.
func (p *Provider) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	req, err := p.rest.newRequest(ctx, http.MethodPost, "recover", redirectQuery(redirectTo), map[string]any{
		"email": email,
	})
	if err != nil {
		return err
	}
	if err := p.rest.do(req, nil); err != nil {
		return fmt.Errorf("send access email to %s: %w", email, err)
	}
	return nil
}

func redirectQuery(redirectTo string) url.Values {
	if redirectTo == "" {
		return nil
	}
	return url.Values{"redirect_to": []string{redirectTo}}
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
