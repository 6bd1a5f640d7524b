package main

import (
	"errors"

	"github.com/AlexKarpov98/webui/client"
	"github.com/spf13/cobra"
)

func (c *cli) makeSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <topic>",
		Short: "Print events pushed on a topic until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			conn, err := c.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			topic := args[0]
			sub, err := conn.Subscribe(ctx, topic)
			if err != nil {
				return err
			}
			defer sub.Cancel()

			titleColor.Printf("subscribed to %s\n", topic)
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						if err := sub.Err(); err != nil && !errors.Is(err, client.ErrConnectionLost) {
							return err
						}
						return conn.Err()
					}
					infoColor.Printf("%s %s ", ev.Msg, ev.Collection)
					printJSON(ev.Fields)
				case <-ctx.Done():
					c.logger.Info("Subscription cancelled", "topic", topic)
					return nil
				}
			}
		},
	}
}
