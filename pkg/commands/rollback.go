package commands

import (
	"context"
	"fmt"

	"github.com/rancher/wrangler/pkg/signals"
	"github.com/urfave/cli/v2"
)

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "rollback",
		Usage:     "point a site back at one of its earlier deployments",
		ArgsUsage: "ROUTABLE_NAME DEPLOYMENT_ID",
		Flags:     flags(databaseFlags(), storeFlags(), routingFlags(), redisFlags(), reclaimFlags(), deployFlags()),
		Before:    Before,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("expected ROUTABLE_NAME and DEPLOYMENT_ID arguments")
			}
			ctx := signals.SetupSignalHandler(context.Background())

			st, err := buildStack(ctx, c)
			if err != nil {
				return err
			}
			defer st.close()

			result, err := st.orchestrator(c).Rollback(ctx, c.Args().Get(0), c.Args().Get(1))
			st.drain(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(result.Response())
		},
	}
}
