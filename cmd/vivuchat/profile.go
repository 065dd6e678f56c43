package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/congdinh/vivuchat/internal/services"
	"github.com/spf13/cobra"
)

// profileFlags maps each profile flag to the field it edits.
var profileFlags = []struct {
	name  string
	usage string
	field func(*services.ProfileUpdate) **string
}{
	{"first-name", "Set your first name", func(u *services.ProfileUpdate) **string { return &u.FirstName }},
	{"last-name", "Set your last name", func(u *services.ProfileUpdate) **string { return &u.LastName }},
	{"email", "Set your email address", func(u *services.ProfileUpdate) **string { return &u.Email }},
	{"phone", "Set your phone number, empty to remove it", func(u *services.ProfileUpdate) **string { return &u.PhoneNumber }},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or edit your profile",
	Long: `Without flags profile prints your account details. Each flag that is given changes that
field; the others are left as they are.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		var p models.Profile
		if update, ok := profileUpdate(cmd); ok {
			p, err = a.client.UpdateProfile(cmd.Context(), update)
		} else {
			p, err = a.client.Profile(cmd.Context())
		}
		if err != nil {
			return err
		}
		printProfile(cmd.OutOrStdout(), p)
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change your password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		current, err := readPassword(cmd, "Current password: ")
		if err != nil {
			return err
		}
		next, err := readPassword(cmd, "New password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword(cmd, "Repeat new password: ")
		if err != nil {
			return err
		}
		if next != confirm {
			return errors.New("passwords do not match")
		}

		if err := a.client.ChangePassword(cmd.Context(), current, next); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Password changed.")
		return nil
	},
}

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <refresh-token>",
	Short: "Sign out another machine by revoking its refresh token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.requireSignIn(); err != nil {
			return err
		}

		if err := a.client.Revoke(cmd.Context(), args[0], revokeReason); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token revoked.")
		return nil
	},
}

func init() {
	for _, f := range profileFlags {
		profileCmd.Flags().String(f.name, "", f.usage)
	}
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Why the token is revoked, kept in the server log")
}

// profileUpdate collects the profile flags that were given. ok is false when none were.
func profileUpdate(cmd *cobra.Command) (services.ProfileUpdate, bool) {
	flags := cmd.Flags()
	var update services.ProfileUpdate
	ok := false
	for _, f := range profileFlags {
		if !flags.Changed(f.name) {
			continue
		}
		value, err := flags.GetString(f.name)
		if err != nil {
			continue
		}
		*f.field(&update) = &value
		ok = true
	}
	return update, ok
}

func printProfile(w io.Writer, p models.Profile) {
	fmt.Fprintln(w, titleStyle.Render(p.DisplayName))
	rows := []struct{ label, value string }{
		{"Username", p.Username},
		{"Email", p.Email},
		{"First name", p.FirstName},
		{"Last name", p.LastName},
		{"Phone", p.PhoneNumber},
		{"Member since", p.CreatedAt.Local().Format(time.DateOnly)},
	}
	for _, row := range rows {
		if row.value == "" {
			continue
		}
		fmt.Fprintf(w, "%-13s %s\n", mutedStyle.Render(row.label), row.value)
	}
}
