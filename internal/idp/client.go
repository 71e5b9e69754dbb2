// Package idp talks to the Keycloak admin API for user and group management.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client issues short-lived admin sessions against a Keycloak realm.
type Client struct {
	baseURL       string
	realm         string
	adminUser     string
	adminPassword string
	http          *http.Client
}

type ClientConfig struct {
	BaseURL       string
	Realm         string
	AdminUser     string
	AdminPassword string
	HTTPClient    *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		realm:         cfg.Realm,
		adminUser:     cfg.AdminUser,
		adminPassword: cfg.AdminPassword,
		http:          hc,
	}
}

// Session carries an admin access token. Sessions are cheap and are opened
// per operation rather than cached, so an expired token never leaks across
// requests.
type Session struct {
	client *Client
	token  string
}

// User is the subset of the Keycloak user representation the service uses.
type User struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Enabled   bool     `json:"enabled"`
	Groups    []string `json:"groups,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Group is a Keycloak group reference.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Login obtains an admin token via the password grant on the master realm
// using the admin-cli client.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", "admin-cli")
	form.Set("username", c.adminUser)
	form.Set("password", c.adminPassword)

	endpoint := c.baseURL + "/realms/master/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity admin login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("identity admin login: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("identity admin login: decode: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("identity admin login: empty access token")
	}
	return &Session{client: c, token: out.AccessToken}, nil
}

func (s *Session) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.client.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity admin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("identity admin %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("identity admin %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func (s *Session) adminPath(suffix string) string {
	return "/admin/realms/" + s.client.realm + suffix
}

// ListUsers returns realm users, optionally filtered by a search term, with
// each user's group paths and realm role names resolved.
func (s *Session) ListUsers(ctx context.Context, search string) ([]User, error) {
	path := s.adminPath("/users?max=200")
	if search != "" {
		path += "&search=" + url.QueryEscape(search)
	}
	var users []User
	if err := s.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	for i := range users {
		groups, err := s.Groups(ctx, users[i].ID)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(groups))
		for _, g := range groups {
			paths = append(paths, g.Path)
		}
		users[i].Groups = paths

		var roles []struct {
			Name string `json:"name"`
		}
		if err := s.do(ctx, http.MethodGet, s.adminPath("/users/"+users[i].ID+"/role-mappings/realm"), nil, &roles); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, r.Name)
		}
		users[i].Roles = names
	}
	return users, nil
}

// NewUser describes a user to create in the realm.
type NewUser struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// CreateUser creates an enabled user, locates its assigned id by username,
// and sets a non-temporary password.
func (s *Session) CreateUser(ctx context.Context, nu NewUser) (string, error) {
	body := map[string]any{
		"username":  nu.Username,
		"email":     nu.Email,
		"firstName": nu.FirstName,
		"lastName":  nu.LastName,
		"enabled":   true,
	}
	if err := s.do(ctx, http.MethodPost, s.adminPath("/users"), body, nil); err != nil {
		return "", err
	}

	var found []User
	path := s.adminPath("/users?exact=true&username=" + url.QueryEscape(nu.Username))
	if err := s.do(ctx, http.MethodGet, path, nil, &found); err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("identity admin: created user %q not found", nu.Username)
	}
	id := found[0].ID

	if nu.Password != "" {
		cred := map[string]any{"type": "password", "value": nu.Password, "temporary": false}
		if err := s.do(ctx, http.MethodPut, s.adminPath("/users/"+id+"/reset-password"), cred, nil); err != nil {
			return "", err
		}
	}
	return id, nil
}

// AssignRealmRole maps the named realm role to a user, creating the role if
// the realm does not have it yet.
func (s *Session) AssignRealmRole(ctx context.Context, userID, role string) error {
	var rep struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	err := s.do(ctx, http.MethodGet, s.adminPath("/roles/"+url.PathEscape(role)), nil, &rep)
	if err != nil {
		if createErr := s.do(ctx, http.MethodPost, s.adminPath("/roles"), map[string]string{"name": role}, nil); createErr != nil {
			return createErr
		}
		if err = s.do(ctx, http.MethodGet, s.adminPath("/roles/"+url.PathEscape(role)), nil, &rep); err != nil {
			return err
		}
	}
	payload := []map[string]string{{"id": rep.ID, "name": rep.Name}}
	return s.do(ctx, http.MethodPost, s.adminPath("/users/"+userID+"/role-mappings/realm"), payload, nil)
}

// EnsureGroup returns the id of the top-level group with the given name,
// creating it when absent.
func (s *Session) EnsureGroup(ctx context.Context, name string) (string, error) {
	find := func() (string, error) {
		var groups []Group
		path := s.adminPath("/groups?search=" + url.QueryEscape(name))
		if err := s.do(ctx, http.MethodGet, path, nil, &groups); err != nil {
			return "", err
		}
		for _, g := range groups {
			if g.Name == name {
				return g.ID, nil
			}
		}
		return "", nil
	}

	id, err := find()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	if err := s.do(ctx, http.MethodPost, s.adminPath("/groups"), map[string]string{"name": name}, nil); err != nil {
		return "", err
	}
	id, err = find()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("identity admin: group %q not found after create", name)
	}
	return id, nil
}

// Groups lists the groups a user belongs to.
func (s *Session) Groups(ctx context.Context, userID string) ([]Group, error) {
	var groups []Group
	if err := s.do(ctx, http.MethodGet, s.adminPath("/users/"+userID+"/groups"), nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// SetExclusiveGroup removes the user from every group it belongs to and then
// adds it to the named group, which is created when absent. Membership in any
// other group is destroyed.
func (s *Session) SetExclusiveGroup(ctx context.Context, userID, groupName string) error {
	current, err := s.Groups(ctx, userID)
	if err != nil {
		return err
	}
	for _, g := range current {
		if err := s.do(ctx, http.MethodDelete, s.adminPath("/users/"+userID+"/groups/"+g.ID), nil, nil); err != nil {
			return err
		}
	}
	groupID, err := s.EnsureGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPut, s.adminPath("/users/"+userID+"/groups/"+groupID), nil, nil)
}
