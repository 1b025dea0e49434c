package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/deploy"
	"github.com/acorn-io/acorn-publish/pkg/reclaim"
	"github.com/acorn-io/acorn-publish/pkg/render"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func databaseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "sql-dialect",
			Usage:   "The type of sql to use, sqlite, mysql or postgres",
			EnvVars: []string{"ACORN_SQL_DIALECT", "SQL_DIALECT"},
			Value:   "sqlite",
		},
		&cli.StringFlag{
			Name:    "sql-dsn",
			Usage:   "The DSN to use to connect to",
			EnvVars: []string{"ACORN_SQL_DSN", "SQL_DSN"},
			Value:   "file:acorn.sqlite?_pragma=foreign_keys(1)",
		},
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "artifact-backend",
			Usage:   "Where site artifacts are kept: local, s3 or oss",
			EnvVars: []string{"ACORN_ARTIFACT_BACKEND"},
			Value:   "local",
		},
		&cli.StringFlag{
			Name:    "artifact-dir",
			Usage:   "Root directory for the local artifact backend",
			EnvVars: []string{"ACORN_ARTIFACT_DIR"},
			Value:   "artifacts",
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "Bucket for the s3 artifact backend",
			EnvVars: []string{"ACORN_S3_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "s3-region",
			Usage:   "Region of the s3 bucket",
			EnvVars: []string{"ACORN_S3_REGION", "AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "oss-bucket",
			Usage:   "Bucket for the oss artifact backend",
			EnvVars: []string{"ACORN_OSS_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "oss-region",
			Usage:   "Region of the oss bucket",
			EnvVars: []string{"ACORN_OSS_REGION"},
		},
		&cli.StringFlag{
			Name:    "oss-endpoint",
			Usage:   "Optional endpoint override for oss",
			EnvVars: []string{"ACORN_OSS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "oss-access-key-id",
			Usage:   "Access key id for oss, falls back to the environment",
			EnvVars: []string{"ACORN_OSS_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "oss-access-key-secret",
			Usage:   "Access key secret for oss, falls back to the environment",
			EnvVars: []string{"ACORN_OSS_ACCESS_KEY_SECRET"},
		},
	}
}

func routingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "routing-backend",
			Usage:   "Routing index backend: none, sql, redis or route53",
			EnvVars: []string{"ACORN_ROUTING_BACKEND"},
			Value:   "sql",
		},
		&cli.StringFlag{
			Name:    "route53-zone-id",
			Usage:   "AWS Route53 Zone ID holding the routing records",
			EnvVars: []string{"ACORN_ROUTE53_ZONE_ID", "ROUTE53_ZONE_ID"},
		},
		&cli.Int64Flag{
			Name:    "route53-ttl",
			Usage:   "The TTL of the routing records in seconds",
			EnvVars: []string{"ACORN_ROUTE53_TTL"},
			Value:   60,
		},
	}
}

func redisFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for the redis routing backend, reclamation queue and site lock",
			EnvVars: []string{"ACORN_REDIS_ADDR", "REDIS_ADDR"},
			Value:   "localhost:6379",
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{"ACORN_REDIS_PASSWORD", "REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number",
			EnvVars: []string{"ACORN_REDIS_DB"},
		},
	}
}

func reclaimFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "reclaim-queue",
			Usage:   "Reclamation queue: memory or redis",
			EnvVars: []string{"ACORN_RECLAIM_QUEUE"},
			Value:   "memory",
		},
		&cli.StringFlag{
			Name:    "reclaim-stream",
			Usage:   "Redis stream carrying reclamation requests",
			EnvVars: []string{"ACORN_RECLAIM_STREAM"},
			Value:   reclaim.DefaultStream,
		},
		&cli.DurationFlag{
			Name:    "reclaim-claim-idle",
			Usage:   "How long a redis reclamation message may stay unacked before another reclaimer takes it over",
			EnvVars: []string{"ACORN_RECLAIM_CLAIM_IDLE"},
			Value:   reclaim.DefaultClaimIdle,
		},
		&cli.IntFlag{
			Name:    "reclaim-buffer",
			Usage:   "Size of the in-memory reclamation queue",
			EnvVars: []string{"ACORN_RECLAIM_BUFFER"},
			Value:   1024,
		},
		&cli.DurationFlag{
			Name:    "reclaim-interval",
			Usage:   "How often pending reclamations are retried",
			EnvVars: []string{"ACORN_RECLAIM_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.IntFlag{
			Name:    "reclaim-max-attempts",
			Usage:   "Attempts before a pending reclamation is abandoned",
			EnvVars: []string{"ACORN_RECLAIM_MAX_ATTEMPTS"},
			Value:   10,
		},
		&cli.DurationFlag{
			Name:    "reclaim-timeout",
			Usage:   "Time allowed to delete one deployment's artifacts",
			EnvVars: []string{"ACORN_RECLAIM_TIMEOUT"},
			Value:   5 * time.Minute,
		},
	}
}

func deployFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "base-domain",
			Usage:   "Domain under which sites without a custom domain are served",
			EnvVars: []string{"ACORN_BASE_DOMAIN", "BASE_DOMAIN"},
		},
		&cli.IntFlag{
			Name:    "upload-concurrency",
			Usage:   "Artifact uploads in flight per publish",
			EnvVars: []string{"ACORN_UPLOAD_CONCURRENCY"},
			Value:   8,
		},
		&cli.DurationFlag{
			Name:    "upload-timeout",
			Usage:   "Timeout for a single artifact upload",
			EnvVars: []string{"ACORN_UPLOAD_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "routing-timeout",
			Usage:   "Timeout for each attempt of a routing index update; conflicts are retried with backoff",
			EnvVars: []string{"ACORN_ROUTING_TIMEOUT"},
			Value:   10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "site-lock",
			Usage:   "Where publishes and rollbacks of a site take turns: local to this process, or redis across replicas",
			EnvVars: []string{"ACORN_SITE_LOCK"},
			Value:   "local",
		},
		&cli.DurationFlag{
			Name:    "site-lock-ttl",
			Usage:   "How long a redis site lock is held before it expires on its own",
			EnvVars: []string{"ACORN_SITE_LOCK_TTL"},
			Value:   time.Minute,
		},
	}
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return append(out, GlobalFlags()...)
}

// stack is everything a command needs, built once from flags.
type stack struct {
	database db.Database
	store    artifacts.Store
	index    routing.Index
	queue    reclaim.Queue
	redis    *redis.Client
}

func (s *stack) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func buildStack(ctx context.Context, c *cli.Context) (*stack, error) {
	s := &stack{}

	database, err := db.New(ctx, c.String("sql-dialect"), c.String("sql-dsn"), &gorm.Config{
		Logger: db.NewLogger(c.String("log-level")),
	})
	if err != nil {
		return nil, err
	}
	s.database = database

	if s.store, err = newStore(c); err != nil {
		return nil, err
	}

	switch mode := c.String("site-lock"); mode {
	case "", "local", "redis":
	default:
		return nil, fmt.Errorf("unknown site lock %q", mode)
	}

	if c.String("routing-backend") == "redis" || c.String("reclaim-queue") == "redis" || c.String("site-lock") == "redis" {
		if s.redis, err = newRedis(ctx, c); err != nil {
			return nil, err
		}
	}

	if s.index, err = newIndex(c, database, s.redis); err != nil {
		s.close()
		return nil, err
	}

	if s.queue, err = newQueue(c, s.redis); err != nil {
		s.close()
		return nil, err
	}

	return s, nil
}

func newStore(c *cli.Context) (artifacts.Store, error) {
	switch backend := c.String("artifact-backend"); backend {
	case "local":
		return artifacts.NewLocalStore(c.String("artifact-dir"))
	case "s3":
		if c.String("s3-bucket") == "" {
			return nil, fmt.Errorf("--s3-bucket is required for the s3 artifact backend")
		}
		return artifacts.NewS3Store(c.String("s3-bucket"), c.String("s3-region"))
	case "oss":
		return artifacts.NewOSSStore(artifacts.OSSConfig{
			Bucket:          c.String("oss-bucket"),
			Region:          c.String("oss-region"),
			Endpoint:        c.String("oss-endpoint"),
			AccessKeyID:     c.String("oss-access-key-id"),
			AccessKeySecret: c.String("oss-access-key-secret"),
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", backend)
	}
}

func newRedis(ctx context.Context, c *cli.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.String("redis-addr"),
		Password: c.String("redis-password"),
		DB:       c.Int("redis-db"),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", c.String("redis-addr"), err)
	}
	return client, nil
}

func newIndex(c *cli.Context, database db.Database, client *redis.Client) (routing.Index, error) {
	switch backend := c.String("routing-backend"); backend {
	case "none", "":
		return routing.Noop{}, nil
	case "sql":
		return routing.NewSQLIndex(database), nil
	case "redis":
		return routing.NewRedisIndex(client), nil
	case "route53":
		if c.String("route53-zone-id") == "" {
			return nil, fmt.Errorf("--route53-zone-id is required for the route53 routing backend")
		}
		return routing.NewRoute53Index(c.String("route53-zone-id"), c.Int64("route53-ttl"))
	default:
		return nil, fmt.Errorf("unknown routing backend %q", backend)
	}
}

func newQueue(c *cli.Context, client *redis.Client) (reclaim.Queue, error) {
	switch mode := c.String("reclaim-queue"); mode {
	case "memory":
		return reclaim.NewMemoryQueue(c.Int("reclaim-buffer")), nil
	case "redis":
		q, err := reclaim.NewRedisQueue(client, c.String("reclaim-stream"), reclaim.DefaultGroup)
		if err != nil {
			return nil, err
		}
		q.ClaimIdle = c.Duration("reclaim-claim-idle")
		return q, nil
	default:
		return nil, fmt.Errorf("unknown reclamation queue %q", mode)
	}
}

func (s *stack) orchestrator(c *cli.Context) *deploy.Orchestrator {
	o := deploy.New(s.database, s.store, s.index, render.NewCompiler(), reclaim.NewScheduler(s.queue, s.database), deploy.Config{
		BaseDomain:        c.String("base-domain"),
		UploadConcurrency: c.Int("upload-concurrency"),
		UploadTimeout:     c.Duration("upload-timeout"),
		RoutingTimeout:    c.Duration("routing-timeout"),
	})
	if c.String("site-lock") == "redis" {
		o.WithLocker(deploy.NewRedisLocker(s.redis, c.Duration("site-lock-ttl")))
	}
	return o
}

func (s *stack) worker(c *cli.Context) *reclaim.Worker {
	return reclaim.NewWorker(s.store, s.database, c.Duration("reclaim-timeout")).CheckRoutes(s.orchestrator(c))
}

func (s *stack) daemon(c *cli.Context) *reclaim.Daemon {
	w := s.worker(c)
	return reclaim.NewDaemon(w, s.queue, reclaim.NewSweeper(w, s.database, c.Duration("reclaim-interval"), c.Int("reclaim-max-attempts")))
}
