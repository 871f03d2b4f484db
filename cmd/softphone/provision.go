package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/softphone-core/internal/app"
	"github.com/hamzaKhattat/softphone-core/internal/ara"
	"github.com/hamzaKhattat/softphone-core/internal/config"
	"github.com/hamzaKhattat/softphone-core/internal/models"
)

func createProvisionCommands() *cobra.Command {
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Write accounts and dialplan into the Asterisk realtime database",
	}

	provisionCmd.AddCommand(
		createProvisionDialplanCommand(),
		createProvisionAccountCommand(),
		createProvisionRemoveCommand(),
	)

	return provisionCmd
}

// withProvisioner loads configuration, opens the realtime database and runs fn.
func withProvisioner(fn func(ctx context.Context, cfg *config.Config, p *ara.Provisioner) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	p, closeDB, err := app.OpenProvisioner(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(context.Background(), cfg, p)
}

// reloadPJSIP connects to AMI only for the duration of one Reload action.
func reloadPJSIP(ctx context.Context, cfg *config.Config) error {
	m := app.NewAMIManager(cfg)
	defer m.Close()
	if err := m.Connect(ctx); err != nil {
		return err
	}
	return ara.Reload(ctx, m)
}

func createProvisionDialplanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dialplan",
		Short: "Create the softphone dialplan contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(func(ctx context.Context, cfg *config.Config, p *ara.Provisioner) error {
				if err := p.CreateDialplan(ctx); err != nil {
					return fmt.Errorf("failed to create dialplan: %v", err)
				}
				c := cfg.Asterisk.Contexts
				fmt.Fprintf(cmd.OutOrStdout(), "%s Dialplan written: %s, %s, %s, %s\n",
					green("✓"), c.Inbound, c.Outbound, c.Answer, c.Hold)
				return nil
			})
		},
	}
}

func createProvisionAccountCommand() *cobra.Command {
	var (
		creds     models.Credentials
		transport string
		reload    bool
	)

	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create or update the PJSIP registration for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds.Transport = models.Transport(transport)
			switch creds.Transport {
			case models.TransportUDP, models.TransportTCP, models.TransportTLS:
			default:
				return fmt.Errorf("invalid transport %q (udp/tcp/tls)", transport)
			}

			return withProvisioner(func(ctx context.Context, cfg *config.Config, p *ara.Provisioner) error {
				if err := p.ProvisionAccount(ctx, creds); err != nil {
					return fmt.Errorf("failed to provision account: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Account %s@%s provisioned\n", green("✓"), creds.Extension, creds.Server)

				if reload {
					if err := reloadPJSIP(ctx, cfg); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s PJSIP reload failed: %v\n", yellow("!"), err)
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s PJSIP reloaded\n", green("✓"))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&creds.Server, "server", "", "SIP registrar host")
	cmd.Flags().StringVarP(&creds.Extension, "extension", "e", "", "Extension / auth user")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "Authentication password")
	cmd.Flags().StringVar(&creds.DisplayName, "display-name", "", "Caller ID name")
	cmd.Flags().StringVarP(&transport, "transport", "t", "udp", "Transport (udp/tcp/tls)")
	cmd.Flags().IntVar(&creds.ExpireTime, "expire", 3600, "Registration expiry in seconds")
	cmd.Flags().BoolVar(&reload, "reload", false, "Reload PJSIP over AMI afterwards")

	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("extension")

	return cmd
}

func createProvisionRemoveCommand() *cobra.Command {
	var reload bool

	cmd := &cobra.Command{
		Use:   "remove <extension>",
		Short: "Remove the PJSIP objects of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(func(ctx context.Context, cfg *config.Config, p *ara.Provisioner) error {
				if err := p.RemoveAccount(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to remove account: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Account %s removed\n", green("✓"), args[0])

				if reload {
					if err := reloadPJSIP(ctx, cfg); err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "%s PJSIP reload failed: %v\n", yellow("!"), err)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&reload, "reload", false, "Reload PJSIP over AMI afterwards")

	return cmd
}
