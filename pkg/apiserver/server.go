package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/artifacts"
	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/deploy"
	"github.com/acorn-io/acorn-publish/pkg/routing"
	"github.com/acorn-io/acorn-publish/pkg/version"
	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Deployer is the publish and rollback entry point.
type Deployer interface {
	Publish(ctx context.Context, siteID, label string) (deploy.PublishResult, error)
	Rollback(ctx context.Context, routableName, deploymentID string) (deploy.RollbackResult, error)
}

// Daemon is background work started with the server and stopped with it.
type Daemon interface {
	StartDaemon(stopCh <-chan struct{})
}

type Services struct {
	Deployer Deployer
	Ledger   db.Database
	Index    routing.Index
	Store    artifacts.Store
	Daemons  []Daemon
	// TokenHash is a bcrypt hash of the operator token. Empty disables auth.
	TokenHash string
}

type apiServer struct {
	ctx  context.Context
	log  *logrus.Entry
	port int
}

func NewAPIServer(ctx context.Context, log *logrus.Entry, port int) *apiServer {
	return &apiServer{
		ctx:  ctx,
		log:  log,
		port: port,
	}
}

func newRouter(svc Services, log *logrus.Entry) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(loggingMiddleware(log))
	h := newHandler(svc)

	// When functioning properly, these routes will return the version of tha app that is running
	router.Path("/").HandlerFunc(h.root)
	router.Path("/healthz").HandlerFunc(h.root)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(tokenAuthMiddleware(svc.TokenHash))

	api.Path("/sites/{site}/publish").Methods("POST").HandlerFunc(h.publish)
	api.Path("/rollback").Methods("POST").HandlerFunc(h.rollback)

	// Operator views over the ledger, the routing index and the artifact store
	api.Path("/sites/{site}/deployments").Methods("GET").HandlerFunc(h.listDeployments)
	api.Path("/sites/{site}/deployments/{deployment}/url").Methods("GET").HandlerFunc(h.signedURL)
	api.Path("/routes/{name}").Methods("GET").HandlerFunc(h.getRoute)

	// Note: this allows not found urls to be logged via the middleware
	// It **HAS** to be defined after all other paths are defined.
	router.NotFoundHandler = router.NewRoute().HandlerFunc(http.NotFound).GetHandler()
	return router
}

func (a *apiServer) Start(svc Services) error {
	logrus.Infof("Version: %s", version.Get())

	router := newRouter(svc, a.log)

	// Below this point is where the server is started and graceful shutdown occurs.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           ghandlers.CORS()(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.log.WithField("port", a.port).Info("starting api server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Fatalf("listen: %s\n", err)
		}
	}()

	for _, d := range svc.Daemons {
		go d.StartDaemon(a.ctx.Done())
	}

	<-a.ctx.Done()

	a.log.Info("shutting down the api server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer func() {
		cancel()
	}()

	if err := srv.Shutdown(ctx); err != nil {
		a.log.WithError(err).Error("unable to shutdown the api server gracefully")
		return err
	}

	return nil
}
