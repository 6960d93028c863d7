package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	authPassword string
	signupEmail  string
)

func init() {
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().StringVarP(&authPassword, "password", "p", "", "account password (default $WEBCOM_PASSWORD)")
	}
	signupCmd.Flags().StringVar(&signupEmail, "email", "", "account email")
	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd)
}

func password() (string, error) {
	p := authPassword
	if p == "" {
		p = os.Getenv("WEBCOM_PASSWORD")
	}
	if p == "" {
		return "", fmt.Errorf("a password is required (--password or WEBCOM_PASSWORD)")
	}
	return p, nil
}

var signupCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		sess, err := s.client.Signup(ctx, args[0], signupEmail, pw)
		if err != nil {
			return err
		}
		fmt.Printf("Signed up as %s\n", sess.Username)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and switch the local cache to that user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		sess, err := s.client.Login(ctx, args[0], pw)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", sess.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session; the local cache is kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.client.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}
