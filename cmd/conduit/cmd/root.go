package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:           "conduit",
	Short:         "Deployment pipeline operator CLI",
	Long:          "Conduit: inspect pipeline runs, approve promotions, and trigger deployments.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "conduitd base URL (default: $CONDUIT_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default: $CONDUIT_TOKEN)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func baseURL() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if fromEnv := strings.TrimSpace(os.Getenv("CONDUIT_SERVER")); fromEnv != "" {
		return strings.TrimRight(fromEnv, "/")
	}
	return "http://localhost:8080"
}

// httpClient prefers an explicit bearer token, then an OAuth2 client
// credentials grant when CONDUIT_OAUTH_TOKEN_URL is set, then plain
// unauthenticated HTTP for dev servers.
func httpClient(ctx context.Context) *http.Client {
	bearer := strings.TrimSpace(token)
	if bearer == "" {
		bearer = strings.TrimSpace(os.Getenv("CONDUIT_TOKEN"))
	}
	if bearer != "" {
		return &http.Client{
			Timeout:   30 * time.Second,
			Transport: &bearerTransport{token: bearer, base: http.DefaultTransport},
		}
	}

	tokenURL := strings.TrimSpace(os.Getenv("CONDUIT_OAUTH_TOKEN_URL"))
	if tokenURL != "" {
		cfg := clientcredentials.Config{
			ClientID:     os.Getenv("CONDUIT_OAUTH_CLIENT_ID"),
			ClientSecret: os.Getenv("CONDUIT_OAUTH_CLIENT_SECRET"),
			TokenURL:     tokenURL,
			Scopes:       strings.Fields(os.Getenv("CONDUIT_OAUTH_SCOPES")),
		}
		return cfg.Client(ctx)
	}

	return &http.Client{Timeout: 30 * time.Second}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	clone := r.Clone(r.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}
