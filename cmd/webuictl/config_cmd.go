package main

import (
	"github.com/AlexKarpov98/webui/config"
	"github.com/spf13/cobra"
)

func (c *cli) makeConfigCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "config",
		Short: "Manage the client configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteConfig(c.configPath, config.GenerateConfig(), force); err != nil {
				return err
			}
			successColor.Printf("wrote %s\n", c.configPath)
			infoColor.Printf("set endpoint and provide %s before connecting\n", config.EnvAPIKey)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.setup(); err != nil {
				return err
			}
			successColor.Printf("%s is valid, endpoint %s\n", c.configPath, c.cfg.ClientConfig(nil).URL())
			return nil
		},
	}

	r.AddCommand(initCmd, checkCmd)
	return r
}
