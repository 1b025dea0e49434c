package commands

import (
	"context"

	"github.com/acorn-io/acorn-publish/pkg/apiserver"
	"github.com/acorn-io/acorn-publish/pkg/version"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type apiServerCommand struct{}

func (s *apiServerCommand) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "api-server")

	log.Infof("version: %v", version.Get())

	st, err := buildStack(ctx, c)
	if err != nil {
		return err
	}
	defer st.close()

	log.WithFields(logrus.Fields{
		"artifacts": c.String("artifact-backend"),
		"routing":   st.index.Mode(),
		"reclaim":   st.queue.Mode(),
	}).Info("backends configured")

	services := apiserver.Services{
		Deployer:  st.orchestrator(c),
		Ledger:    st.database,
		Index:     st.index,
		Store:     st.store,
		TokenHash: c.String("api-token-hash"),
	}
	if !c.Bool("disable-reclaimer") {
		services.Daemons = append(services.Daemons, st.daemon(c))
	}

	apiServer := apiserver.NewAPIServer(ctx, log, c.Int("port"))

	if err := apiServer.Start(services); err != nil {
		return err
	}

	return nil
}

func serverCommand() *cli.Command {
	cmd := apiServerCommand{}

	serverFlags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port for the HTTP Server Port",
			EnvVars: []string{"ACORN_PORT", "PORT"},
			Value:   4315,
		},
		&cli.StringFlag{
			Name:    "api-token-hash",
			Usage:   "bcrypt hash of the bearer token required on /v1, empty disables auth",
			EnvVars: []string{"ACORN_API_TOKEN_HASH"},
		},
		&cli.BoolFlag{
			Name:    "disable-reclaimer",
			Usage:   "Do not run the reclamation worker in this process",
			EnvVars: []string{"ACORN_DISABLE_RECLAIMER"},
		},
	}

	return &cli.Command{
		Name:   "api-server",
		Usage:  "acorn publish api server",
		Action: cmd.Execute,
		Flags:  flags(serverFlags, databaseFlags(), storeFlags(), routingFlags(), redisFlags(), reclaimFlags(), deployFlags()),
		Before: Before,
	}
}
