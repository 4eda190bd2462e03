package server

import (
	"fmt"
	"net/http"
	"time"

	"podsim/internal/aggregate"
	"podsim/internal/auth"
	"podsim/internal/blob"
	"podsim/internal/broker"
	"podsim/internal/config"
	"podsim/internal/controller"
	"podsim/internal/database"
	"podsim/internal/decks"
	"podsim/internal/limits"
	"podsim/internal/progress"
	"podsim/internal/recovery"
	"podsim/internal/stream"
)

type Server struct {
	sc       controller.ServerController
	jc       controller.JobController
	wc       controller.WorkerController
	rc       controller.RatingController
	streamer stream.Streamer
	rec      stream.Recoverer
	users    auth.UserVerifier
	workers  *auth.WorkerAuthenticator
	config   *config.Config
}

func New(cfg *config.Config, store database.Store, taskBroker broker.TaskBroker, ch progress.Channel,
	blobs blob.Store, resolver decks.Resolver, agg aggregate.Aggregator, engine *recovery.Engine) *http.Server {
	// A nil broker means polling dispatch; the controller treats a nil
	// publisher the same way.
	var publisher broker.Publisher
	if taskBroker != nil {
		publisher = taskBroker
	}
	var rec stream.Recoverer
	if engine != nil {
		rec = engine
	}

	jc := controller.NewJobController(store, publisher, resolver,
		limits.NewMaxActive(store, cfg.Limits.MaxActiveJobsPerUser), agg, ch)

	server := Server{
		sc:       controller.NewServer(store, taskBroker, ch, blobs),
		jc:       jc,
		wc:       controller.NewWorkerController(store),
		rc:       controller.NewRatingController(store),
		streamer: stream.New(store, ch, rec, cfg.DeckLinkBaseURL),
		rec:      rec,
		users:    auth.NewStatic(),
		workers:  auth.NewWorkerAuthenticator(cfg.Auth.WorkerSharedSecret),
		config:   cfg,
	}

	return &http.Server{
		Addr:        fmt.Sprintf(":%v", cfg.Port),
		Handler:     server.RegisterRoutes(),
		IdleTimeout: time.Minute,
		ReadTimeout: 10 * time.Second,
		// No write timeout: progress streams hold the response open for the
		// life of a job.
	}
}
