package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/parentsync"
)

var (
	loginNewPassword string
	logoutWipe       bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(passwdCmd)

	loginCmd.Flags().StringVar(&loginNewPassword, "new-password", "", "Replace a temporary password on first sign-in")
	logoutCmd.Flags().BoolVar(&logoutWipe, "wipe", false, "Also delete cached students and messages")
}

var loginCmd = &cobra.Command{
	Use:   "login <email> <password>",
	Short: "Sign in and register this device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		session := a.client.Session()
		var result parentsync.SignInResult
		if loginNewPassword != "" {
			result, err = session.ChangeTempPassword(ctx, email, password, loginNewPassword)
		} else {
			result, err = session.SignIn(ctx, email, password)
		}
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}

		switch result {
		case parentsync.SignInInvalidCredentials:
			return fmt.Errorf("invalid email or password")
		case parentsync.SignInOTPRequired:
			fmt.Println("This account has a temporary password.")
			fmt.Println("Run again with --new-password <password> to choose a new one.")
			return nil
		}

		account, school := session.Account()
		fmt.Printf("Signed in as %s\n", valueOrDefault(account.Email, email))
		if school != "" {
			fmt.Printf("School: %s\n", school)
		}

		registrar := parentsync.NewRegistrar(a.client, a.store, parentsync.InstallationTokenSource{KV: a.store})
		registrar.EnsureRegistered(ctx)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		a.client.Session().SignOut()
		if logoutWipe {
			if err := a.store.Reset(ctx); err != nil {
				return fmt.Errorf("failed to wipe cache: %w", err)
			}
			fmt.Println("Signed out. Cache wiped.")
			return nil
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd <current-password> <new-password>",
	Short: "Change the account password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.client.Session().ChangePassword(ctx, args[0], args[1]); err != nil {
			if parentsync.OutcomeOf(err) == parentsync.OutcomeSignOutRequired {
				return fmt.Errorf("%s", outcomeNote(parentsync.OutcomeSignOutRequired))
			}
			return fmt.Errorf("password change failed: %w", err)
		}
		fmt.Println("Password changed.")
		return nil
	},
}
