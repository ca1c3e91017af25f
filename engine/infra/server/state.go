package server

import (
	"context"

	"github.com/buildsmith/buildsmith/engine/build"
	"github.com/buildsmith/buildsmith/engine/logstream"
	"github.com/buildsmith/buildsmith/engine/queue"
	"github.com/buildsmith/buildsmith/engine/task"
	"github.com/buildsmith/buildsmith/pkg/config"
)

// QueueService is the slice of the queue controller the handlers use.
// Satisfied by queue.Controller.
type QueueService interface {
	Submit(ctx context.Context, req *build.Request) (*queue.SubmitResult, error)
	Cancel(ctx context.Context, id int64) error
}

// State bundles the dependencies the route handlers need.
type State struct {
	Cfg        *config.Config
	Repo       task.Repository
	Broker     *logstream.Broker
	Queue      QueueService
	Git        build.GitClient
	BackupRoot string
}
