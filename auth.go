package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/liveconnect-go/pkg/live"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save a token",
		Long: `Sign in interactively. The device code flow prints a code to enter at
a verification page; --browser opens the system browser and listens for the
redirect on a loopback port.

An unexpired saved token that already covers the requested scopes is
reused without prompting.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().Bool("browser", false, "use the browser authorization-code flow")
	cmd.Flags().Bool("device", false, "use the device code flow")
	cmd.MarkFlagsMutuallyExclusive("browser", "device")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in user",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	cc.Logger.Info("login started", slog.String("flow", cc.Cfg.LoginFlow))

	res, err := a.engine.Authenticate(ctx, a.provider.Scopes(), false)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if res.Status != live.StatusConnected {
		cc.Statusf("Login canceled; not connected.\n")
		return nil
	}

	cc.Logger.Info("login successful", slog.Time("expiry", res.Session.Expiry()))
	cc.Statusf("Login successful.\n")

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.engine.CanLogout() {
		return errors.New("this login provider does not support signing out")
	}

	if err := a.engine.Logout(cmd.Context()); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	a, err := newApp(cc)
	if err != nil {
		return err
	}
	defer a.Close()

	me, err := a.client.Get(cmd.Context(), "me")
	if err != nil {
		return notLoggedInHint(err)
	}

	out := whoamiOutput{
		ID:          stringField(me, "id"),
		DisplayName: stringField(me, "displayName"),
		Email:       stringField(me, "mail"),
	}

	if out.Email == "" {
		out.Email = stringField(me, "userPrincipalName")
	}

	if cc.Flags.JSON {
		return printJSON(out)
	}

	fmt.Printf("User:  %s (%s)\n", out.DisplayName, out.Email)
	fmt.Printf("ID:    %s\n", out.ID)

	if s := a.engine.Session(); s != nil {
		fmt.Printf("Token: expires %s\n", formatTime(s.Expiry()))
	}

	return nil
}

// notLoggedInHint turns a missing-session failure into an actionable
// message.
func notLoggedInHint(err error) error {
	if errors.Is(err, live.ErrNotConnected) {
		return fmt.Errorf("not logged in, run 'liveconnect login' first: %w", err)
	}

	return err
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string) //nolint:errcheck // absent or non-string fields read as ""

	return s
}
