package main

import (
	"errors"

	"github.com/AlexKarpov98/webui/models"
	"github.com/spf13/cobra"
)

func (c *cli) makeCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-arg...]",
		Short: "Invoke a method and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			result, err := conn.Call(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				var apiErr *models.ApiError
				if errors.As(err, &apiErr) && apiErr.Trace != nil && apiErr.Trace.Formatted != "" {
					c.logger.Debug("Middleware traceback", "trace", apiErr.Trace.Formatted)
				}
				return err
			}
			printJSON(result)
			return nil
		},
	}
}

func (c *cli) makePingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the middleware answers calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := conn.Call(ctx, models.MethodPing); err != nil {
				return err
			}
			successColor.Println("pong", conn.Session())
			return nil
		},
	}
}
