package mikrotik

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-routeros/routeros/v3"
)

var (
	// ErrUnavailable means the device could not be reached or the command
	// did not finish in time. Transient; the account remains valid.
	ErrUnavailable = errors.New("router unavailable")
	// ErrCommand means the device rejected the command, e.g. a user that
	// does not exist.
	ErrCommand = errors.New("router command failed")
)

// HotspotUser is a user entry on the device
type HotspotUser struct {
	ID          string
	Name        string
	LimitUptime string
	Comment     string
}

// ActiveSession is a currently connected hotspot session
type ActiveSession struct {
	ID      string
	User    string
	Address string
	Uptime  string
}

// Client issues RouterOS API commands against the hotspot router. Every
// command dials a fresh connection and closes it on all exit paths; retry
// policy belongs to the caller.
type Client struct {
	addr     string
	user     string
	password string
	timeout  time.Duration
}

// New creates a new RouterOS client
func New(addr, user, password string, timeout time.Duration) *Client {
	return &Client{
		addr:     addr,
		user:     user,
		password: password,
		timeout:  timeout,
	}
}

// run dials the router, issues a single command and closes the connection.
// The command is bounded by the configured timeout and by ctx.
func (c *Client) run(ctx context.Context, sentence ...string) (*routeros.Reply, error) {
	conn, err := routeros.DialTimeout(c.addr, c.user, c.password, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, c.addr, err)
	}

	type result struct {
		reply *routeros.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := conn.Run(sentence...)
		done <- result{reply, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		conn.Close()
		if res.err != nil {
			var devErr *routeros.DeviceError
			if errors.As(res.err, &devErr) {
				return nil, fmt.Errorf("%w: %v", ErrCommand, res.err)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, res.err)
		}
		return res.reply, nil
	case <-timer.C:
		conn.Close()
		return nil, fmt.Errorf("%w: command timed out after %s", ErrUnavailable, c.timeout)
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

// AddHotspotUser creates a hotspot user with an uptime limit in minutes
func (c *Client) AddHotspotUser(ctx context.Context, username, password string, limitMinutes int, comment string) error {
	_, err := c.run(ctx,
		"/ip/hotspot/user/add",
		"=name="+username,
		"=password="+password,
		fmt.Sprintf("=limit-uptime=%dm", limitMinutes),
		"=comment="+comment,
	)
	if err != nil {
		return fmt.Errorf("add hotspot user %s: %w", username, err)
	}
	return nil
}

// RemoveHotspotUser deletes a hotspot user by name
func (c *Client) RemoveHotspotUser(ctx context.Context, username string) error {
	id, err := c.findID(ctx, "/ip/hotspot/user/print", "name", username)
	if err != nil {
		return fmt.Errorf("remove hotspot user %s: %w", username, err)
	}

	if _, err := c.run(ctx, "/ip/hotspot/user/remove", "=.id="+id); err != nil {
		return fmt.Errorf("remove hotspot user %s: %w", username, err)
	}
	return nil
}

// ListUsers returns all hotspot users on the device
func (c *Client) ListUsers(ctx context.Context) ([]HotspotUser, error) {
	reply, err := c.run(ctx, "/ip/hotspot/user/print")
	if err != nil {
		return nil, fmt.Errorf("list hotspot users: %w", err)
	}

	users := make([]HotspotUser, 0, len(reply.Re))
	for _, re := range reply.Re {
		users = append(users, HotspotUser{
			ID:          re.Map[".id"],
			Name:        re.Map["name"],
			LimitUptime: re.Map["limit-uptime"],
			Comment:     re.Map["comment"],
		})
	}
	return users, nil
}

// ActiveSessions returns the currently connected hotspot sessions
func (c *Client) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	reply, err := c.run(ctx, "/ip/hotspot/active/print")
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	sessions := make([]ActiveSession, 0, len(reply.Re))
	for _, re := range reply.Re {
		sessions = append(sessions, ActiveSession{
			ID:      re.Map[".id"],
			User:    re.Map["user"],
			Address: re.Map["address"],
			Uptime:  re.Map["uptime"],
		})
	}
	return sessions, nil
}

// DisconnectUser drops an active hotspot session by user name
func (c *Client) DisconnectUser(ctx context.Context, username string) error {
	id, err := c.findID(ctx, "/ip/hotspot/active/print", "user", username)
	if err != nil {
		return fmt.Errorf("disconnect user %s: %w", username, err)
	}

	if _, err := c.run(ctx, "/ip/hotspot/active/remove", "=.id="+id); err != nil {
		return fmt.Errorf("disconnect user %s: %w", username, err)
	}
	return nil
}

// findID looks up the internal .id of an entry matching key=value
func (c *Client) findID(ctx context.Context, printCmd, key, value string) (string, error) {
	reply, err := c.run(ctx, printCmd)
	if err != nil {
		return "", err
	}

	for _, re := range reply.Re {
		if re.Map[key] == value {
			return re.Map[".id"], nil
		}
	}
	return "", fmt.Errorf("%w: %s %q not found", ErrCommand, key, value)
}
