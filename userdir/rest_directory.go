package userdir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TomW1605/DiscordModLog/auditlog"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/time/rate"
)

// DefaultAPIHost is the platform REST API base, without trailing slash.
const DefaultAPIHost = "https://discord.com/api/v10"

// RESTDirectory fetches users and members from the platform REST API using a
// bot token.
type RESTDirectory struct {
	// API base URL, no trailing slash
	Host     string
	BotToken string
	Client   *http.Client
	// if not nil, every request waits on this limiter first
	Limiter   *rate.Limiter
	UserAgent string
}

var _ Directory = (*RESTDirectory)(nil)

type apiUser struct {
	ID         snowflake.ID `json:"id"`
	Username   string       `json:"username"`
	GlobalName *string      `json:"global_name"`
}

type apiMember struct {
	User *apiUser `json:"user"`
	Nick *string  `json:"nick"`
}

func (u *apiUser) toUser() auditlog.User {
	name := u.Username
	if u.GlobalName != nil && *u.GlobalName != "" {
		name = *u.GlobalName
	}
	return auditlog.User{ID: u.ID, DisplayName: name}
}

func (d *RESTDirectory) FetchUser(ctx context.Context, userID snowflake.ID) (*auditlog.User, error) {
	var au apiUser
	if err := d.get(ctx, "user", fmt.Sprintf("/users/%s", userID), &au); err != nil {
		return nil, err
	}
	u := au.toUser()
	return &u, nil
}

func (d *RESTDirectory) FetchMember(ctx context.Context, communityID, userID snowflake.ID) (*auditlog.User, error) {
	var am apiMember
	if err := d.get(ctx, "member", fmt.Sprintf("/guilds/%s/members/%s", communityID, userID), &am); err != nil {
		return nil, err
	}
	if am.User == nil {
		return nil, fmt.Errorf("member response for %s has no user", userID)
	}
	u := am.User.toUser()
	if am.Nick != nil && *am.Nick != "" {
		u.Nick = am.Nick
	}
	return &u, nil
}

func (d *RESTDirectory) get(ctx context.Context, kind, path string, out any) error {
	start := time.Now()
	status := "error"
	defer func() {
		userLookups.WithLabelValues(kind, status).Inc()
		userLookupDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
	}()

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	host := d.Host
	if host == "" {
		host = DefaultAPIHost
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(host, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+d.BotToken)
	req.Header.Set("Accept", "application/json")
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", kind, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		status = "not_found"
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetching %s: HTTP %d: %s", kind, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", kind, err)
	}
	status = "success"
	return nil
}
