package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/joshsymonds/chronoreply/internal/gmail"
)

// NewGmailClient builds an auto-refreshing OAuth2 HTTP client from the
// refresh token and wraps the resulting Gmail service.
func NewGmailClient(ctx context.Context, creds Credentials, log *slog.Logger) (gc.Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
	// oauth2 refreshes the access token on demand; we only hand it the refresh token.
	httpClient := cfg.Client(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc, log), nil
}

func DefaultLogger() *slog.Logger {
	return NewLogger("info")
}

// NewLogger returns a text logger on stderr at the named level.
// Unknown levels fall back to info.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
