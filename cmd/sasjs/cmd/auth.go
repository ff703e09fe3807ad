package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sasjs"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and report the session",
	Long: `Signs in to the configured server and prints the session.

SAS9 and SASjs servers take a username and password; the password is
prompted for when not configured. SASVIYA opens a browser window unless
--username is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		var st sasjs.SessionState
		if username != "" {
			password, err := promptPassword("Password: ")
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			st, err = client.LogIn(cmd.Context(), username, password)
			if err != nil {
				return err
			}
		} else {
			st, err = client.Authenticate(cmd.Context())
			if err != nil {
				return err
			}
		}
		printSession(cmd.OutOrStdout(), st)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the server session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.LogOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Logged out"))
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Ask the server whether the current session is valid",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.CheckSession(cmd.Context())
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("username", "", "log in with this user instead of the configured flow")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(sessionCmd)
}

func printSession(w io.Writer, st sasjs.SessionState) {
	fmt.Fprintln(w, headerStyle.Render("Session"))
	fmt.Fprintf(w, "  Server type: %s\n", st.ServerType)
	if !st.LoggedIn {
		fmt.Fprintf(w, "  Status:      %s\n", warnStyle.Render("logged out"))
		return
	}
	fmt.Fprintf(w, "  Status:      %s\n", okStyle.Render("logged in"))
	if st.Username != "" {
		fmt.Fprintf(w, "  User:        %s\n", st.Username)
	}
	if st.AccessToken != "" {
		fmt.Fprintf(w, "  Token:       %s\n", mutedStyle.Render("present"))
	}
}
