package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout = 30 * time.Second
	socketPath         = "/socket/websocket"
)

// WebSocketURL normalizes a relay base URL to its WebSocket equivalent
// and appends the socket path and access token. http becomes ws and
// https becomes wss; ws/wss bases are used as-is.
func WebSocketURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + socketPath
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens the relay WebSocket, mapping handshake failures onto the
// error taxonomy: 401/403 is an auth rejection, 404 means the endpoint
// slug does not exist, any other non-switching status is a handshake
// status error, and transport-level failures are split into refused
// connections and generic dial errors.
func dial(ctx context.Context, baseURL, token, slug string) (*websocket.Conn, error) {
	wsURL, err := WebSocketURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, classifyDialError(err, resp, slug)
	}
	return ws, nil
}

func classifyDialError(err error, resp *http.Response, slug string) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrAuth
		case http.StatusNotFound:
			return &NotFoundError{Slug: slug}
		case http.StatusSwitchingProtocols:
		default:
			return &HandshakeStatusError{Code: resp.StatusCode}
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("connection refused: %w", sanitizeErr(err))
	}
	return fmt.Errorf("failed to connect to websocket: %w", sanitizeErr(err))
}

// sanitizeErr strips the access token query parameter from dial errors
// to avoid leaking credentials in log output.
func sanitizeErr(err error) error {
	s := err.Error()
	if i := strings.Index(s, "token="); i != -1 {
		end := strings.IndexAny(s[i:], "&\" ")
		if end == -1 {
			s = s[:i] + "token=REDACTED"
		} else {
			s = s[:i] + "token=REDACTED" + s[i+end:]
		}
	}
	return errors.New(s)
}
