package main

import (
	"context"
	"fmt"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"

	"github.com/spf13/cobra"
)

var (
	tokenUser    string
	tokenName    string
	tokenChannel string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development token signed with the configured secret",
	Long: `Prints an API access token for --user. With --channel it prints a
media channel token instead, for the given --role (host or audience).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RTCTokenTTL)

		token, err := mintToken(cmd.Context(), auth)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "participant id (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name, defaults to the participant id")
	tokenCmd.Flags().StringVar(&tokenChannel, "channel", "", "mint a media token for this stream instead")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(domain.RoleAudience), "media role: host or audience")
	tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}

func mintToken(ctx context.Context, auth *services.AuthService) (string, error) {
	user := domain.ParticipantID(tokenUser)
	if tokenChannel == "" {
		name := tokenName
		if name == "" {
			name = tokenUser
		}
		return auth.GenerateToken(user, name)
	}

	role := domain.ClientRole(tokenRole)
	if role != domain.RoleHost && role != domain.RoleAudience {
		return "", fmt.Errorf("unknown role %q", tokenRole)
	}
	return auth.RTCToken(ctx, tokenChannel, user, role)
}
