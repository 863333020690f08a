package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/comparellm/ports"
)

// DirectoryConfig configures the admin users listing.
type DirectoryConfig struct {
	AdminURL   string // e.g. https://auth.example.com/auth/v1
	ServiceKey string
	PerPage    int
	MaxPages   int
	Timeout    time.Duration
}

// Directory lists identity provider users through its admin API.
type Directory struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
	perPage    int
	maxPages   int
}

// NewDirectory creates a directory client.
func NewDirectory(cfg DirectoryConfig) *Directory {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = 1000
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}
	return &Directory{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.AdminURL, "/"),
		serviceKey: cfg.ServiceKey,
		perPage:    perPage,
		maxPages:   maxPages,
	}
}

type userPage struct {
	Users []struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"users"`
}

// ListUsers pages through every user until a short page is returned.
func (d *Directory) ListUsers(ctx context.Context) ([]ports.Identity, error) {
	var out []ports.Identity
	for page := 1; page <= d.maxPages; page++ {
		var p userPage
		if err := d.get(ctx, page, &p); err != nil {
			return nil, err
		}
		for _, u := range p.Users {
			out = append(out, ports.Identity{Subject: u.ID, Email: u.Email})
		}
		if len(p.Users) < d.perPage {
			return out, nil
		}
	}
	return out, nil
}

func (d *Directory) get(ctx context.Context, page int, result any) error {
	url := d.baseURL + "/admin/users?page=" + strconv.Itoa(page) + "&per_page=" + strconv.Itoa(d.perPage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.serviceKey)
		req.Header.Set("apikey", d.serviceKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DirectoryError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DirectoryError is a non-2xx answer from the admin API.
type DirectoryError struct {
	StatusCode int
	Message    string
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("identity directory error %d: %s", e.StatusCode, e.Message)
}

// Ensure interface compliance.
var _ ports.IdentityDirectory = (*Directory)(nil)
