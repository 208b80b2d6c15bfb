package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Consent to screen capture and issue a grant token",
	Long: `Ask for consent to capture the screen and issue a grant token. The token
is passed to 'screenrec start --grant' or 'screenrec record --grant' and
stays valid until capture.grant_ttl elapses.

On a terminal the consent is asked interactively; otherwise --yes is
required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Capture.GrantTTL
		}

		if !yes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("stdin is not a terminal: pass --yes to consent to screen capture")
			}
			ok, err := confirm(fmt.Sprintf("Allow screenrec to capture your screen for %s?", ttl))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("screen capture not allowed")
			}
		}

		store, err := openGrantStore()
		if err != nil {
			return err
		}
		grant, err := store.Issue(ttl)
		if err != nil {
			return err
		}

		quiet, _ := cmd.Flags().GetBool("quiet")
		if quiet {
			fmt.Println(grant.Token)
			return nil
		}
		fmt.Printf("Grant: %s\n", color.CyanString(grant.Token))
		fmt.Printf("Expires: %s\n", grant.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

var grantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openGrantStore()
		if err != nil {
			return err
		}
		grants, err := store.List()
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			fmt.Println("No active grants")
			return nil
		}
		for _, g := range grants {
			fmt.Printf("%s  expires %s\n", g.Token, g.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var grantRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openGrantStore()
		if err != nil {
			return err
		}
		if err := store.Revoke(args[0]); err != nil {
			return err
		}
		fmt.Println("Grant revoked")
		return nil
	},
}

func init() {
	grantCmd.Flags().BoolP("yes", "y", false, "consent without prompting")
	grantCmd.Flags().BoolP("quiet", "q", false, "print only the token")
	grantCmd.Flags().Duration("ttl", 0, "grant lifetime (default capture.grant_ttl)")
	grantCmd.AddCommand(grantListCmd, grantRevokeCmd)
}

func confirm(question string) (bool, error) {
	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
