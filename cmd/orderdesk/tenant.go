package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iurnickita/orderdesk/internal/config"
	"github.com/iurnickita/orderdesk/internal/kitchen"
	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/store"
)

func tenantCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage restaurants",
	}

	var (
		name        string
		pin         string
		accessToken string
		allowed     bool
	)
	create := &cobra.Command{
		Use:   "create [slug]",
		Short: "Register a restaurant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			tenant := model.Tenant{
				Slug:                args[0],
				Name:                name,
				Allowed:             allowed,
				ProviderAccessToken: accessToken,
			}
			if tenant.Name == "" {
				tenant.Name = tenant.Slug
			}
			if pin != "" {
				tenant.KitchenPINHash, err = kitchen.HashPIN(pin)
				if err != nil {
					return err
				}
			}

			st, err := store.NewStore(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.TenantCreate(cmd.Context(), tenant); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					return fmt.Errorf("tenant %q already exists", tenant.Slug)
				}
				return err
			}

			created, err := st.TenantGetBySlug(cmd.Context(), tenant.Slug)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s created with id %s\n", created.Slug, created.ID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&pin, "pin", "", "kitchen PIN")
	create.Flags().StringVar(&accessToken, "access-token", "", "payment provider access token of the restaurant")
	create.Flags().BoolVar(&allowed, "allowed", true, "accept orders")

	cmd.AddCommand(create)
	return cmd
}
