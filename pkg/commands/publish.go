package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "compile a site's current content and make it live",
		ArgsUsage: "SITE_ID",
		Flags: flags([]cli.Flag{
			&cli.StringFlag{
				Name:  "label",
				Usage: "Optional label stored with the deployment",
			},
		}, databaseFlags(), storeFlags(), routingFlags(), redisFlags(), reclaimFlags(), deployFlags()),
		Before: Before,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one SITE_ID argument")
			}
			ctx := signals.SetupSignalHandler(context.Background())

			st, err := buildStack(ctx, c)
			if err != nil {
				return err
			}
			defer st.close()

			result, err := st.orchestrator(c).Publish(ctx, c.Args().First(), c.String("label"))
			st.drain(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(result.Response())
		},
	}
}

// drain runs reclamation queued in memory before a one-shot command exits.
// Anything that fails stays in the pending table for the daemon.
func (s *stack) drain(ctx context.Context, c *cli.Context) {
	mq, ok := s.queue.(*reclaim.MemoryQueue)
	if !ok {
		return
	}
	if n := mq.Drain(ctx, s.worker(c).Handle); n > 0 {
		logrus.Debugf("reclaimed %d prefixes before exit", n)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
