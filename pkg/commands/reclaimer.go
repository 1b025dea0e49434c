package commands

import (
	"context"

	"github.com/acorn-io/acorn-publish/pkg/version"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type reclaimerCmd struct{}

func (r *reclaimerCmd) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "reclaimer")
	log.Infof("version: %v", version.Get())

	st, err := buildStack(ctx, c)
	if err != nil {
		return err
	}
	defer st.close()

	log.WithField("queue", st.queue.Mode()).Info("starting reclamation worker")
	st.daemon(c).StartDaemon(ctx.Done())
	log.Info("reclamation worker stopped")
	return nil
}

func reclaimerCommand() *cli.Command {
	cmd := reclaimerCmd{}

	return &cli.Command{
		Name:   "reclaimer",
		Usage:  "delete the artifacts of superseded and orphaned deployments",
		Action: cmd.Execute,
		Flags:  flags(databaseFlags(), storeFlags(), routingFlags(), redisFlags(), reclaimFlags()),
		Before: Before,
	}
}
